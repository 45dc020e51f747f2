package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/ltvbot/api"
	"github.com/gregtusar/ltvbot/pkg/binance"
	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/gregtusar/ltvbot/pkg/rebalancer"
	"github.com/spf13/cobra"
)

const commandTimeout = time.Minute

func newPositionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print the current flexible loan positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			positions, _, err := fetchPositions(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), positions)
			}
			printPositions(cmd.OutOrStdout(), positions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the decisions the next cycle would take, without executing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			positions, policy, err := fetchPositions(cmd.Context())
			if err != nil {
				return err
			}
			decisions := rebalancer.Decide(positions, policy)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), planView(decisions))
			}
			printPositions(cmd.OutOrStdout(), positions)
			fmt.Fprintln(cmd.OutOrStdout())
			for _, d := range decisions {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", d.Kind(), d)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the control endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if cfg.Server.AuthSecret == "" {
				return fmt.Errorf("server.auth_secret is not configured")
			}
			token, err := api.NewTokenAuth(cfg.Server.AuthSecret, cfg.Server.TokenTTL).Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	return cmd
}

func fetchPositions(parent context.Context) ([]models.LoanPosition, rebalancer.Config, error) {
	cfg, err := setup()
	if err != nil {
		return nil, rebalancer.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, rebalancer.Config{}, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, rebalancer.Config{}, err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	client := binance.NewClient(cfg.ClientConfig(), logger)
	positions, err := client.GetLoanPositions(ctx)
	if err != nil {
		return nil, rebalancer.Config{}, fmt.Errorf("failed to fetch loan positions: %w", err)
	}
	return positions, policy, nil
}

func printPositions(w io.Writer, positions []models.LoanPosition) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOAN\tBORROWED\tCOLLATERAL\tAMOUNT\tLTV")
	for _, p := range positions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.LoanAsset, p.BorrowedAmount, p.CollateralAsset, p.CollateralAmount, p.CurrentLTV.StringFixed(4))
	}
	tw.Flush()
}

type decisionView struct {
	Kind   models.DecisionKind `json:"kind"`
	Detail string              `json:"detail"`
}

func planView(decisions []models.Decision) []decisionView {
	out := make([]decisionView, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, decisionView{Kind: d.Kind(), Detail: d.String()})
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
