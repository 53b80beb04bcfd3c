package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"coedit/api/internal/archive"

	"github.com/spf13/cobra"
)

func newHistoryCommand(cfg *cliConfig) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [convId]",
		Short: "List finished sessions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := cfg.jsonOutput()
			if err != nil {
				return err
			}
			history, cleanup, err := cfg.history(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var convID string
			if len(args) == 1 {
				convID = args[0]
			}
			sessions, err := history.ListSessions(cmd.Context(), convID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERSATION\tCREATOR\tENDED\tTRIGGER\tDURATION\tPARTICIPANTS")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ConvID, s.CreatorID,
					s.EndedAt.UTC().Format(time.RFC3339), s.Trigger,
					s.Duration().Round(time.Second), strings.Join(s.Participants, ", "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of sessions")
	return cmd
}

func newArchiveCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read archived documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <convId>",
		Short: "List archived documents of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := cfg.archive()
			if err != nil {
				return err
			}
			keys, err := docs.ListDocuments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print an archived document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := cfg.archive()
			if err != nil {
				return err
			}
			text, err := docs.GetDocument(cmd.Context(), args[0])
			if errors.Is(err, archive.ErrNotFound) {
				return fmt.Errorf("no archived document at %s", args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	})
	return cmd
}
