package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"marscolony.ai/internal/persistence/indexdb"
	plog "marscolony.ai/internal/persistence/log"
	"marscolony.ai/internal/protocol"
)

// filterAudit keeps entries of kind (any kind when empty) and returns the
// last limit of them.
func filterAudit(entries []protocol.AuditEntry, kind string, limit int) []protocol.AuditEntry {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	var out []protocol.AuditEntry
	for _, e := range entries {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func formatEntry(e protocol.AuditEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s", dim.Sprint(e.Time), e.Kind)
	if e.InstitutionID != 0 {
		fmt.Fprintf(&b, " inst=%d", e.InstitutionID)
	}
	fmt.Fprintf(&b, " #%d", e.SubjectID)
	if e.Title != "" {
		fmt.Fprintf(&b, " %q", e.Title)
	}
	fmt.Fprintf(&b, " %s %d/%d/%d", statusLabel(e.Status), e.Approve, e.Deny, e.Total)
	if e.Feasible != nil && !*e.Feasible {
		b.WriteString(" infeasible")
	}
	if e.Reason != "" {
		b.WriteString(dim.Sprintf(" (%s)", e.Reason))
	}
	return b.String()
}

func auditCmd(opts *options) *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay the compressed audit log",
		Long: `Replay the compressed audit log in chronological order.

Examples:
  colony-admin audit                    # every entry
  colony-admin audit --kind proposal    # proposal resolutions only
  colony-admin audit --limit 20 --json  # last 20 entries as JSON`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := plog.ReadAudit(filepath.Join(opts.dataDir, "audit"))
			if err != nil {
				return fmt.Errorf("read audit: %w", err)
			}
			entries = filterAudit(entries, kind, limit)
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, entries)
			}
			for _, e := range entries {
				fmt.Fprintln(out, formatEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entry kind: proposal, weapon, referendum or policy")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the last N entries")
	return cmd
}

func openIndex(opts *options, path string) (*indexdb.SQLiteIndex, error) {
	if path == "" {
		path = filepath.Join(opts.dataDir, "index", "governance.sqlite")
	}
	return indexdb.OpenSQLite(path)
}

func resolutionsCmd(opts *options) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "resolutions",
		Short: "Query the sqlite resolution index",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "index path (default <data>/index/governance.sqlite)")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Count resolutions by kind and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(opts, dbPath)
			if err != nil {
				return err
			}
			defer idx.Close()
			counts, err := idx.Summary(context.Background())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, counts)
			}
			for _, c := range counts {
				fmt.Fprintf(out, "%-10s %-10s %d\n", c.Kind, statusLabel(c.Status), c.N)
			}
			return nil
		},
	}

	var (
		kind  string
		limit int
	)
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the latest indexed resolutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(opts, dbPath)
			if err != nil {
				return err
			}
			defer idx.Close()
			entries, err := idx.Recent(context.Background(), strings.ToUpper(kind), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, entries)
			}
			for _, e := range entries {
				fmt.Fprintln(out, formatEntry(e))
			}
			return nil
		},
	}
	recent.Flags().StringVar(&kind, "kind", "", "entry kind filter")
	recent.Flags().IntVar(&limit, "limit", 20, "result limit")

	cmd.AddCommand(summary, recent)
	return cmd
}
