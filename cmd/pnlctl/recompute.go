package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pnlbloom/pnl-engine/internal/config"
	"github.com/pnlbloom/pnl-engine/internal/engine"
	"github.com/pnlbloom/pnl-engine/internal/ingest"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

// recomputeOutput is what the recompute command prints.
type recomputeOutput struct {
	Status      string              `json:"status"`
	Result      *model.Result       `json:"result,omitempty"`
	Diagnostics *engine.Diagnostics `json:"diagnostics,omitempty"`
	Rejected    []string            `json:"rejected,omitempty"`
}

func newRecomputeCmd() *cobra.Command {
	var (
		eventsPath    string
		snapshotsPath string
		policyPath    string
		account       string
		fromStr       string
		toStr         string
	)

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Fold an event file offline and print the derived results as JSON",
		Long: `Recompute reads exchange events in the ingest wire format (one JSON
object or an array), folds them with the engine and prints the result.

Example:
  pnlctl recompute --events fills.json --policy policy.yaml --from 2025-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := config.LoadPolicy(policyPath)
			if err != nil {
				return err
			}
			rng, err := parseRange(fromStr, toStr)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(eventsPath)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			parsed, errs := ingest.ParseBatch(data)
			out := recomputeOutput{}
			for _, e := range errs {
				out.Rejected = append(out.Rejected, e.Error())
			}

			events := make([]model.Event, 0, len(parsed))
			for _, p := range parsed {
				events = append(events, p.Event)
			}
			if account == "" {
				account, err = soleAccount(events)
				if err != nil {
					return err
				}
			}

			var snaps []model.MarginSnapshot
			if snapshotsPath != "" {
				raw, err := os.ReadFile(snapshotsPath)
				if err != nil {
					return fmt.Errorf("read snapshots: %w", err)
				}
				if err := json.Unmarshal(raw, &snaps); err != nil {
					return fmt.Errorf("parse snapshots: %w", err)
				}
				for i := range snaps {
					if !ingest.ValidNumber(snaps[i].AccountValue) || !ingest.ValidNumber(snaps[i].TotalMarginUsed) {
						return fmt.Errorf("snapshot %d: value out of range", i)
					}
					snaps[i].Account = account
				}
			}

			res, err := engine.New(policy, nil).Run(engine.Input{
				Account:   account,
				Events:    events,
				Snapshots: snaps,
				Range:     rng,
			})
			switch {
			case errors.Is(err, engine.ErrNothingToCompute):
				out.Status = "empty"
			case err != nil:
				return err
			default:
				out.Status = "ok"
				out.Result = res.Result
				out.Diagnostics = &res.Diagnostics
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVarP(&eventsPath, "events", "e", "", "path to event JSON (required)")
	cmd.Flags().StringVarP(&snapshotsPath, "snapshots", "s", "", "path to margin snapshot JSON array")
	cmd.Flags().StringVarP(&policyPath, "policy", "p", "", "path to engine policy YAML")
	cmd.Flags().StringVarP(&account, "account", "a", "", "account to fold (default: the only account in the file)")
	cmd.Flags().StringVar(&fromStr, "from", "", "first day of the output range (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "last day of the output range (YYYY-MM-DD)")
	cmd.MarkFlagRequired("events")

	return cmd
}

func soleAccount(events []model.Event) (string, error) {
	account := ""
	for _, e := range events {
		switch {
		case account == "":
			account = e.Account
		case e.Account != account:
			return "", fmt.Errorf("events span accounts %q and %q, pass --account", account, e.Account)
		}
	}
	return account, nil
}

func parseRange(fromStr, toStr string) (model.Range, error) {
	var rng model.Range
	var err error
	if fromStr != "" {
		if rng.From, err = time.Parse(time.DateOnly, fromStr); err != nil {
			return rng, fmt.Errorf("bad --from: %w", err)
		}
	}
	if toStr != "" {
		if rng.To, err = time.Parse(time.DateOnly, toStr); err != nil {
			return rng, fmt.Errorf("bad --to: %w", err)
		}
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return rng, fmt.Errorf("--to must not precede --from")
	}
	return rng, nil
}
