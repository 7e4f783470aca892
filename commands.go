package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"futures-agent/internal/api"
	"futures-agent/internal/database"
	"futures-agent/internal/ledger"
	"futures-agent/internal/position"
)

func newLeaderboardCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print per-strategy scores from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			l, err := ledger.Open(a.cfg.LedgerConfig.Path, a.cfg.LedgerConfig.MaxEntries, a.logger)
			if err != nil {
				return err
			}
			board := l.Leaderboard()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), board)
			}
			return writeLeaderboard(cmd.OutOrStdout(), board)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func writeLeaderboard(w io.Writer, board []ledger.Score) error {
	if len(board) == 0 {
		_, err := fmt.Fprintln(w, "No trades recorded yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "STRATEGY\tTRADES\tWINS\tEMERGENCIES\tWIN RATE\tAVG PNL\tTOTAL PNL\tSCORE\t")
	for _, s := range board {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f%%\t%.2f\t%.2f\t%.2f\t\n",
			s.Strategy, s.Total, s.Wins, s.Emergencies, s.WinRate*100, s.AvgPnL, s.TotalPnL, s.Score)
	}
	return tw.Flush()
}

func newJournalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the trade journal",
	}

	var out, from string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write closed trades to CSV sorted by time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := journalEntries(cmd.Context(), a, from)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := ledger.WriteCSV(w, entries); err != nil {
				return err
			}
			a.logger.Info("Journal exported", "source", from, "entries", len(entries), "out", out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "journal.csv", "output file, - for stdout")
	export.Flags().StringVar(&from, "from", "ledger", "source: ledger, sqlite or postgres")
	cmd.AddCommand(export)
	return cmd
}

// journalEntries reads the bounded ledger or one of the unbounded journals.
func journalEntries(ctx context.Context, a *app, from string) ([]ledger.Entry, error) {
	switch from {
	case "", "ledger":
		l, err := ledger.Open(a.cfg.LedgerConfig.Path, a.cfg.LedgerConfig.MaxEntries, a.logger)
		if err != nil {
			return nil, err
		}
		return l.Entries(), nil
	case "sqlite":
		if a.cfg.DatabaseConfig.SQLitePath == "" {
			return nil, errors.New("database.sqlite_path is not configured")
		}
		j, err := database.NewSQLiteJournal(a.cfg.DatabaseConfig.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer j.Close()
		return j.List(ctx)
	case "postgres":
		if a.cfg.DatabaseConfig.PostgresDSN == "" {
			return nil, errors.New("database.postgres_dsn is not configured")
		}
		j, err := database.NewPostgresJournal(ctx, a.cfg.DatabaseConfig.PostgresDSN, a.cfg.DatabaseConfig.MaxConns, a.logger)
		if err != nil {
			return nil, err
		}
		defer j.Close()
		return j.List(ctx)
	default:
		return nil, fmt.Errorf("unknown journal source %q", from)
	}
}

func newStateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect stored position state",
	}
	show := &cobra.Command{
		Use:   "show SYMBOL",
		Short: "Print the stored position for SYMBOL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			symbol := strings.ToUpper(args[0])
			st, err := store.Load(cmd.Context(), symbol)
			if errors.Is(err, position.ErrStateNotFound) {
				return fmt.Errorf("no stored position for %s", symbol)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			token, err := api.IssueToken([]byte(a.cfg.ServerConfig.JWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
