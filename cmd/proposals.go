package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cogos-system/athena/internal/evolution"
	"github.com/cogos-system/athena/internal/model"
	"github.com/cogos-system/athena/internal/store"
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Inspect and review evolution proposals",
	Long:  "Commands for listing pending proposals, reviewing them, and applying approved ones.",
}

// -- proposals list --

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List evolution proposals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		category, _ := cmd.Flags().GetString("category")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		proposals, err := st.ListProposals(ctx, store.ProposalFilter{
			Status:   model.ProposalStatus(status),
			Category: category,
			Source:   source,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "proposals list")
		}

		if len(proposals) == 0 {
			fmt.Fprintln(os.Stderr, "No proposals found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCATEGORY\tTARGET\tCONF\tSOURCE\tCREATED")
		for _, p := range proposals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
				p.ID, p.Status, p.Category, p.Change.Target, p.Confidence, p.Source,
				p.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		return w.Flush()
	},
}

// -- proposals show --

var proposalsShowCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show full details of a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProposal(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "proposals show")
		}

		fmt.Printf("ID:          %s\n", p.ID)
		fmt.Printf("Status:      %s\n", p.Status)
		fmt.Printf("Type:        %s\n", p.EvolutionType)
		fmt.Printf("Category:    %s\n", p.Category)
		fmt.Printf("Target:      %s\n", p.Change.Target)
		fmt.Printf("Rule:        %s\n", p.Change.Rule)
		fmt.Printf("Confidence:  %.2f\n", p.Confidence)
		fmt.Printf("Source:      %s\n", p.Source)
		if p.Description != "" {
			fmt.Printf("Description: %s\n", p.Description)
		}
		if p.ReviewedBy != "" {
			fmt.Printf("Reviewed by: %s\n", p.ReviewedBy)
		}
		if p.ReviewNotes != "" {
			fmt.Printf("Notes:       %s\n", p.ReviewNotes)
		}
		if p.AppliedAt != nil {
			fmt.Printf("Applied at:  %s\n", p.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// -- proposals review --

var (
	reviewApprove bool
	reviewReject  bool
	reviewBy      string
	reviewNotes   string
)

var proposalsReviewCmd = &cobra.Command{
	Use:   "review <proposal-id>",
	Short: "Approve or reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if reviewApprove == reviewReject {
			return eris.New("exactly one of --approve or --reject is required")
		}
		if reviewBy == "" {
			return eris.New("--by is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := evolution.New(st).Decide(ctx, args[0], reviewApprove, reviewBy, reviewNotes)
		if err != nil {
			return eris.Wrap(err, "proposals review")
		}

		fmt.Printf("Proposal %s is now %s\n", p.ID, p.Status)
		return nil
	},
}

// -- proposals apply --

var proposalsApplyCmd = &cobra.Command{
	Use:   "apply <proposal-id>",
	Short: "Materialize an approved proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := evolution.New(st).Apply(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "proposals apply")
		}

		fmt.Printf("Proposal %s applied (%s)\n", p.ID, p.Change.Target)
		return nil
	},
}

// -- proposals stats --

var proposalsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the evolution log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.ProposalStats(ctx)
		if err != nil {
			return eris.Wrap(err, "proposals stats")
		}

		fmt.Println("By status:")
		for status, n := range stats.ByStatus {
			fmt.Printf("  %-10s %d\n", status, n)
		}
		fmt.Println("By category:")
		for category, n := range stats.ByCategory {
			fmt.Printf("  %-20s %d\n", category, n)
		}
		fmt.Printf("Last 7 days:   %d\n", stats.Last7Days)
		fmt.Printf("Approval rate: %.1f%%\n", stats.ApprovalRate*100)
		return nil
	},
}

func init() {
	proposalsListCmd.Flags().String("status", "", "filter by status")
	proposalsListCmd.Flags().String("category", "", "filter by category")
	proposalsListCmd.Flags().String("source", "", "filter by source")
	proposalsListCmd.Flags().Int("limit", 50, "max rows")

	proposalsReviewCmd.Flags().BoolVar(&reviewApprove, "approve", false, "approve the proposal")
	proposalsReviewCmd.Flags().BoolVar(&reviewReject, "reject", false, "reject the proposal")
	proposalsReviewCmd.Flags().StringVar(&reviewBy, "by", "", "reviewer identity")
	proposalsReviewCmd.Flags().StringVar(&reviewNotes, "notes", "", "review notes")

	proposalsCmd.AddCommand(proposalsListCmd, proposalsShowCmd, proposalsReviewCmd, proposalsApplyCmd, proposalsStatsCmd)
	rootCmd.AddCommand(proposalsCmd)
}
