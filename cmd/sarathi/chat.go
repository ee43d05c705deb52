package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/agent/orchestrator"
)

func newChatCmd(e *env) *cobra.Command {
	var (
		userID    string
		sessionID string
		persona   string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the personas from the terminal",
		Long: `Sends one message when given as an argument, otherwise reads one
message per line from stdin until EOF. Lines starting with "/" switch the
persona: /companion, /mentor, /interviewer, /auto.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.application(ctx)
			if err != nil {
				return err
			}
			pinned := agent.Persona(persona)
			if pinned != "" && !pinned.IsValid() {
				return fmt.Errorf("unknown persona %q", persona)
			}

			send := func(msg string) error {
				reply, err := a.Orchestrator().Handle(ctx, orchestrator.Request{
					UserID:    userID,
					Message:   msg,
					SessionID: sessionID,
					Persona:   pinned,
				})
				if err != nil {
					return err
				}
				if verbose {
					cmd.Printf("[%s via %s", reply.Persona, reply.Route.Reason)
					if reply.Degraded {
						cmd.Print(", degraded")
					}
					cmd.Println("]")
				}
				cmd.Printf("%s: %s\n", reply.Name, reply.Text)
				return nil
			}

			if len(args) == 1 {
				return send(args[0])
			}

			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				switch {
				case line == "":
					continue
				case line == "/auto":
					pinned = ""
					continue
				case strings.HasPrefix(line, "/"):
					p := agent.Persona(strings.TrimPrefix(line, "/"))
					if !p.IsValid() {
						cmd.PrintErrf("unknown persona %q\n", p)
						continue
					}
					pinned = p
					continue
				}
				if err := send(line); err != nil {
					return err
				}
			}
			return sc.Err()
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "user id")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id; empty disables history")
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "pin a persona (companion, mentor, interviewer)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print routing decisions")
	return cmd
}
