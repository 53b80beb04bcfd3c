package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"coedit/api/internal/docstore"

	"github.com/spf13/cobra"
)

type recordView struct {
	ConvID                 string   `json:"convId"`
	CreatorID              string   `json:"creatorId"`
	State                  string   `json:"state"`
	TimeCreated            int64    `json:"timeCreated"`
	TimeEnded              int64    `json:"timeEnded,omitempty"`
	PreviousSessionEndTime int64    `json:"previousSessionEndTime,omitempty"`
	Editors                []string `json:"editors,omitempty"`
}

// recordState names where a durable record stands: active with a document,
// ended, or stuck before its document was created.
func recordState(record docstore.Record) string {
	switch {
	case record.HasDocument:
		return "active"
	case record.TimeEnded != 0:
		return "ended"
	default:
		return "creating"
	}
}

func newSessionsCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect durable session records",
	}
	cmd.AddCommand(newSessionsListCommand(cfg))
	cmd.AddCommand(newSessionsSweepCommand(cfg))
	cmd.AddCommand(newSessionsEndCommand(cfg))
	return cmd
}

func newSessionsListCommand(cfg *cliConfig) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := cfg.jsonOutput()
			if err != nil {
				return err
			}
			durable, cleanup, err := cfg.durable(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := durable.ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]recordView, 0, len(records))
			for _, record := range records {
				if activeOnly && !record.HasDocument {
					continue
				}
				view := recordView{
					ConvID:                 record.ConvID,
					CreatorID:              record.CreatorID,
					State:                  recordState(record),
					TimeCreated:            record.TimeCreated,
					TimeEnded:              record.TimeEnded,
					PreviousSessionEndTime: record.PreviousSessionEndTime,
				}
				if record.HasDocument {
					presence, err := durable.Presence(cmd.Context(), record.ConvID)
					if err != nil {
						return err
					}
					for userID := range presence.Editors {
						view.Editors = append(view.Editors, userID)
					}
					slices.Sort(view.Editors)
				}
				views = append(views, view)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERSATION\tCREATOR\tSTATE\tCREATED\tENDED\tEDITORS")
			for _, view := range views {
				editors := "-"
				if len(view.Editors) > 0 {
					editors = strings.Join(view.Editors, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", view.ConvID, view.CreatorID, view.State,
					formatMillis(view.TimeCreated), formatMillis(view.TimeEnded), editors)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only list sessions whose document exists")
	return cmd
}

func newSessionsSweepCommand(cfg *cliConfig) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark records stuck before document creation as ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			durable, cleanup, err := cfg.durable(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			swept, err := durable.SweepOrphans(cmd.Context(), olderThan, time.Now())
			if err != nil {
				return err
			}
			for _, convID := range swept {
				fmt.Fprintf(cmd.OutOrStdout(), "swept %s\n", convID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d record(s) swept\n", len(swept))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum age of a record to sweep")
	return cmd
}

// newSessionsEndCommand force-ends a session. The running service sees the
// document disappear and drops the session without uploading it.
func newSessionsEndCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "end <convId>",
		Short: "Delete a session's document without uploading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID := args[0]
			durable, cleanup, err := cfg.durable(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			exists, err := durable.DocumentExists(cmd.Context(), convID)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("no active document for %s", convID)
			}
			if err := durable.DeleteDocument(cmd.Context(), convID); err != nil {
				return err
			}
			err = durable.MarkEnded(cmd.Context(), convID, time.Now().UnixMilli())
			if err != nil && !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ended %s\n", convID)
			return nil
		},
	}
}
