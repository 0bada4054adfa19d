package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cogos-system/athena/internal/contextsync"
)

var (
	syncPoliciesPath string
	syncMemoryPath   string
	syncSHA          string
	syncAuthor       string
	syncTimestamp    string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile governance documents into the store",
	Long:  "Parses local policy and canonical memory documents and applies them with windowed last-writer-wins conflict resolution.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if syncPoliciesPath == "" && syncMemoryPath == "" {
			return eris.New("at least one of --policies or --memory is required")
		}
		if syncSHA == "" {
			return eris.New("--sha is required")
		}

		commit := contextsync.CommitMeta{
			SHA:       syncSHA,
			Author:    syncAuthor,
			Timestamp: time.Now().UTC(),
		}
		if syncTimestamp != "" {
			ts, err := time.Parse(time.RFC3339, syncTimestamp)
			if err != nil {
				return eris.Wrap(err, "parse --timestamp")
			}
			commit.Timestamp = ts
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reconciler := contextsync.NewReconciler(st,
			contextsync.WithConflictWindow(time.Duration(cfg.Sync.ConflictWindowSecs)*time.Second),
		)

		if syncPoliciesPath != "" {
			doc, err := os.ReadFile(syncPoliciesPath)
			if err != nil {
				return eris.Wrap(err, "read policies document")
			}
			entries, err := contextsync.ParsePolicies(string(doc))
			if err != nil {
				return err
			}
			report := reconciler.ReconcileBoundaries(ctx, entries, commit)
			printReport("boundaries", report)
		}

		if syncMemoryPath != "" {
			doc, err := os.ReadFile(syncMemoryPath)
			if err != nil {
				return eris.Wrap(err, "read canonical memory document")
			}
			entries, err := contextsync.ParseCanonicalMemory(string(doc))
			if err != nil {
				return err
			}
			report := reconciler.ReconcileFacts(ctx, entries, commit)
			printReport("canonical memory", report)
		}

		return nil
	},
}

func printReport(name string, report *contextsync.Report) {
	fmt.Printf("%s: %d inserted, %d updated, %d skipped, %d conflicts\n",
		name, report.Inserted, report.Updated, report.Skipped, report.Conflicts)
	for _, e := range report.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s / %s: %s\n", e.Category, e.Key, e.Message)
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncPoliciesPath, "policies", "", "path to the policies document")
	syncCmd.Flags().StringVar(&syncMemoryPath, "memory", "", "path to the canonical memory document")
	syncCmd.Flags().StringVar(&syncSHA, "sha", "", "source revision sha")
	syncCmd.Flags().StringVar(&syncAuthor, "author", "", "source revision author")
	syncCmd.Flags().StringVar(&syncTimestamp, "timestamp", "", "source revision timestamp (RFC 3339, default now)")
	rootCmd.AddCommand(syncCmd)
}
