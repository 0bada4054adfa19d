package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cogos-system/athena/internal/boundary"
	"github.com/cogos-system/athena/internal/classifier"
)

var decideMethod string

var decideCmd = &cobra.Command{
	Use:   "decide <path>",
	Short: "Dry-run a boundary decision for an action",
	Long:  "Classifies a path and method against the action category table and evaluates the active boundary rules without serving traffic.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		table, err := cfg.ClassifierTable()
		if err != nil {
			return err
		}

		path := args[0]
		category, ok := classifier.New(table).Classify(path, decideMethod)
		if !ok {
			fmt.Printf("%s %s: unclassified, no governance applies\n", decideMethod, path)
			return nil
		}

		verdict := boundary.NewEngine(st).Decide(ctx, category, boundary.Request{
			Path:   path,
			Method: decideMethod,
		})

		fmt.Printf("Category: %s\n", category)
		switch {
		case !verdict.Allowed:
			fmt.Println("Decision: DENIED")
		case verdict.RequiresApproval:
			fmt.Println("Decision: allowed, approval required")
		case verdict.Advisory:
			fmt.Println("Decision: allowed (advisory rule)")
		default:
			fmt.Println("Decision: allowed")
		}
		if verdict.Rule != nil {
			fmt.Printf("Rule:     [%s] %s\n", verdict.Rule.Type, verdict.Rule.Rule)
		}
		return nil
	},
}

func init() {
	decideCmd.Flags().StringVar(&decideMethod, "method", "POST", "HTTP method of the action")
	rootCmd.AddCommand(decideCmd)
}
