package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sarathi/pkg/memory"
)

func newIngestCmd(e *env) *cobra.Command {
	var (
		userID   string
		docID    string
		category string
		shared   bool
		remove   bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Store plain-text documents as retrievable chunks",
		Long: `Splits each file into overlapping word windows, embeds them and stores
them for the user. The document id defaults to the file name without
extension; re-ingesting an id replaces the old chunks. With --shared the
files go to the knowledge base every user can search instead.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if remove {
				if docID == "" {
					return fmt.Errorf("--delete needs --id")
				}
				return cobra.NoArgs(cmd, args)
			}
			if err := cobra.MinimumNArgs(1)(cmd, args); err != nil {
				return err
			}
			if docID != "" && len(args) > 1 {
				return fmt.Errorf("--id needs exactly one file")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := e.application(ctx)
			if err != nil {
				return err
			}

			if remove {
				n, err := a.Writer().DeleteDocument(ctx, userID, docID)
				if err != nil {
					return err
				}
				cmd.Printf("deleted %d chunks of %s\n", n, docID)
				return nil
			}

			for _, path := range args {
				text, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				id := docID
				if id == "" {
					id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				if shared {
					kid, err := a.Writer().AddSharedKnowledge(ctx, string(text), category,
						map[string]string{memory.KeyTitle: id})
					if err != nil {
						return fmt.Errorf("ingest %s: %w", path, err)
					}
					cmd.Printf("%s: shared knowledge %s\n", path, kid)
					continue
				}
				md := map[string]string{memory.KeyTitle: filepath.Base(path)}
				if category != "" {
					md[memory.KeyCategory] = category
				}
				ids, err := a.Writer().RecordDocument(ctx, userID, id, string(text), md)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				cmd.Printf("%s: %d chunks as %s\n", path, len(ids), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "owner of the documents")
	cmd.Flags().StringVar(&docID, "id", "", "document id (single file only)")
	cmd.Flags().StringVar(&category, "category", "", "category label")
	cmd.Flags().BoolVar(&shared, "shared", false, "add to the shared knowledge base")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the document given by --id instead")
	cmd.MarkFlagsMutuallyExclusive("shared", "delete")
	return cmd
}
