package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"marscolony.ai/internal/governance/accounts"
	"marscolony.ai/internal/governance/hall"
	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/referendum"
	"marscolony.ai/internal/persistence/kv"
	"marscolony.ai/internal/persistence/recordstore"
	"marscolony.ai/internal/persistence/snapshot"
)

func openBackend(opts *options) (recordstore.Backend, func(), error) {
	dir := filepath.Join(opts.dataDir, "state")
	switch opts.backend {
	case "sqlite":
		db, err := kv.OpenSQLite(filepath.Join(dir, "colony.sqlite"))
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case "file":
		b, err := snapshot.NewFileBackend(dir)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", opts.backend)
	}
}

// loadRecord decodes one persisted record. A record that was never written
// yields def().
func loadRecord[T any](opts *options, key string, def func() T) (T, error) {
	out := def()
	b, done, err := openBackend(opts)
	if err != nil {
		return out, err
	}
	defer done()
	raw, err := b.Load(key)
	if errors.Is(err, recordstore.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	dim    = color.New(color.FgHiBlack)
	header = color.New(color.Bold)
)

func statusLabel(status string) string {
	switch status {
	case "approved", "completed":
		return color.New(color.FgHiGreen).Sprint(status)
	case "rejected", "denied", "destroyed", "consumed":
		return color.New(color.FgRed).Sprint(status)
	case "pending", "voting", "scaffolding":
		return color.New(color.FgYellow).Sprint(status)
	default:
		return status
	}
}

func institutionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "institutions",
		Short: "List institutions with shares, workforce and pending proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadRecord(opts, institutions.RecordKey, institutions.DefaultState)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, st.List)
			}
			if len(st.List) == 0 {
				fmt.Fprintln(out, dim.Sprint("no institutions"))
				return nil
			}
			for _, inst := range st.List {
				state := "live"
				if inst.Destroyed {
					state = "destroyed"
				}
				fmt.Fprintf(out, "%s %s (%s) owner=%s %s\n",
					header.Sprintf("#%d", inst.ID), inst.Name, inst.Kind, inst.Owner, statusLabel(state))
				fmt.Fprintf(out, "  shares %d/%d sold, workforce %d, constructions %d\n",
					inst.SoldShares, inst.TotalShares, len(inst.Workforce), len(inst.Constructions))
				holders := make([]string, 0, len(inst.Shares))
				for who := range inst.Shares {
					holders = append(holders, who)
				}
				sort.Strings(holders)
				for _, who := range holders {
					fmt.Fprintf(out, "    %s %d\n", who, inst.Shares[who])
				}
				for _, p := range inst.Proposals {
					fmt.Fprintf(out, "  proposal %d %q %s\n", p.ID, p.Project, statusLabel(string(p.Status)))
				}
			}
			return nil
		},
	}
}

func referendaCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "referenda",
		Short: "Show the active referendum and the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadRecord(opts, referendum.RecordKey, referendum.DefaultState)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, st)
			}
			if st.Active != nil {
				fmt.Fprintf(out, "%s %d %s %s %d/%d voted\n", header.Sprint("active"),
					st.Active.ID, st.Active.Type, statusLabel(string(st.Active.Status)), st.Active.Voted, st.Active.TotalWorkers)
			}
			if len(st.History) == 0 {
				fmt.Fprintln(out, dim.Sprint("no finished referenda"))
				return nil
			}
			for _, r := range st.History {
				line := fmt.Sprintf("%d %s by %s %s", r.ID, r.Type, r.ProposedBy, statusLabel(string(r.Status)))
				if r.Result != nil {
					line += fmt.Sprintf(" yes=%d no=%d", r.Result.Yes, r.Result.No)
				}
				if r.Reason != "" {
					line += dim.Sprintf(" (%s)", r.Reason)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func hallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "hall",
		Short: "Show the planet hall board and its policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadRecord(opts, hall.RecordKey, hall.DefaultState)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, st)
			}
			fmt.Fprintln(out, header.Sprint("board"))
			for _, m := range st.Board {
				fmt.Fprintf(out, "  %s <%s> since %s\n", m.Name, m.Identity, m.ElectedAt.Format("2006-01-02"))
			}
			fmt.Fprintln(out, header.Sprint("policies"))
			for _, p := range st.Policies {
				yes := 0
				for _, v := range p.Votes {
					if v {
						yes++
					}
				}
				fmt.Fprintf(out, "  %d %q by %s %s yes=%d/%d\n", p.ID, p.Title, p.ProposedBy, statusLabel(string(p.Status)), yes, len(p.Votes))
			}
			return nil
		},
	}
}

func accountsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List player accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadRecord(opts, accounts.RecordKey, accounts.DefaultState)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, st.Accounts)
			}
			ids := make([]string, 0, len(st.Accounts))
			for id := range st.Accounts {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				a := st.Accounts[id]
				fmt.Fprintf(out, "%s money=%.2f health=%.0f hydration=%.0f oxygen=%.0f\n",
					id, a.Money, a.Health, a.Hydration, a.Oxygen)
			}
			return nil
		},
	}
}
