package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sarathi/internal/profile"
)

func newProfileCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or change a user's profile",
	}
	cmd.AddCommand(newProfileShowCmd(e), newProfileSetCmd(e), newProfileResetCmd(e))
	return cmd
}

func newProfileShowCmd(e *env) *cobra.Command {
	var (
		asJSON bool
		days   int
	)
	cmd := &cobra.Command{
		Use:   "show <user>",
		Short: "Print the profile, its grounding summary and recent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.application(ctx)
			if err != nil {
				return err
			}
			user := args[0]
			p, err := a.Profiles().Get(ctx, user)
			if err != nil {
				return err
			}
			activity, err := a.Retriever().InteractionSummary(ctx, user, days)
			if err != nil {
				return err
			}
			knowledge, err := a.Retriever().KnowledgeSummary(ctx, user)
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(map[string]any{
					"profile":      p,
					"interactions": activity,
					"knowledge":    knowledge,
				}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal profile: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			if p.IsZero() {
				cmd.Printf("No profile for %s yet.\n", user)
			} else {
				cmd.Println(profile.Summarize(p))
			}
			cmd.Println()
			cmd.Printf("Interactions (last %d days): %d\n", days, activity.TotalInteractions)
			for persona, n := range activity.PersonaDistribution {
				cmd.Printf("  %-12s %d\n", persona, n)
			}
			cmd.Printf("Stored: %d turns, %d document chunks\n", knowledge.Conversations, knowledge.Documents)
			if len(knowledge.DocumentNames) > 0 {
				cmd.Printf("Documents: %s\n", strings.Join(knowledge.DocumentNames, ", "))
			}
			if tips := profile.Suggestions(p); len(tips) > 0 {
				cmd.Println()
				cmd.Println("Suggestions:")
				for _, tip := range tips {
					cmd.Printf("  - %s\n", tip)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().IntVar(&days, "days", 7, "activity window in days")
	return cmd
}

func newProfileSetCmd(e *env) *cobra.Command {
	var patch profile.Profile
	cmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Set explicit profile fields; unset flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.application(ctx)
			if err != nil {
				return err
			}
			p, err := a.Profiles().Patch(ctx, args[0], patch)
			if err != nil {
				return err
			}
			cmd.Println(profile.Summarize(p))
			return nil
		},
	}
	cmd.Flags().StringVar(&patch.Name, "name", "", "display name")
	cmd.Flags().StringVar(&patch.CareerGoal, "career-goal", "", "career goal")
	cmd.Flags().StringVar(&patch.PreferredLanguage, "language", "", "preferred language")
	cmd.Flags().StringSliceVar(&patch.Interests, "interest", nil, "interest (repeatable)")
	cmd.Flags().StringSliceVar(&patch.LearningGoals, "learning-goal", nil, "learning goal (repeatable)")
	return cmd
}

func newProfileResetCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user>",
		Short: "Delete the user's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.application(ctx)
			if err != nil {
				return err
			}
			if err := a.Profiles().Reset(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("profile of %s reset\n", args[0])
			return nil
		},
	}
}
