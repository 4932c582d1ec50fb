package main

import (
	"encoding/json"
	"fmt"
	"os"
	"payment-reconciler/internal/cron"
	"payment-reconciler/internal/dto"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/signature"
	"time"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue deferred events, expire old ones and recover stale leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			sweeper := cron.NewSweeper(a.events, a.intents, a.webhook, a.cfg.Webhook, a.log)
			report, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d expired=%d recovered=%d\n",
				report.Requeued, report.Expired, report.Recovered)
			return nil
		},
	}
}

func rebuildLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-ledger",
		Short: "Recompute ledger snapshots from payment intents and refunds",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.ledger.Rebuild(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range report.Snapshots {
				l := dto.NewLedger(s)
				fmt.Fprintf(out, "%s gross=%s refunded=%s net=%s\n", l.Currency, l.GrossEarnings, l.RefundedAmount, l.NetEarnings)
			}
			for _, d := range report.Drift {
				fmt.Fprintf(out, "drift %s net %s -> %s\n", d.Currency,
					dto.Money(d.Before.NetEarnings, d.Currency), dto.Money(d.After.NetEarnings, d.Currency))
			}
			return nil
		},
	}
}

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List webhook events by outcome (dead letters by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, _ := cmd.Flags().GetString("outcome")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			events, err := a.webhook.ListEvents(cmd.Context(), model.EventOutcome(outcome), limit)
			if err != nil {
				return err
			}

			out := make([]dto.WebhookEventResponse, 0, len(events))
			for _, e := range events {
				out = append(out, dto.NewWebhookEvent(e))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringP("outcome", "o", string(model.OutcomeDeadLetter), "Outcome to list (dead_letter, rejected, deferred)")
	cmd.Flags().IntP("limit", "n", 100, "Maximum results")

	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Put a dead-lettered or rejected event back on the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.webhook.Replay(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", args[0])
			return nil
		},
	}
}

// signCmd prints a Stripe-Signature header for a payload file, for driving
// the webhook endpoint by hand.
func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a " + signature.HeaderName + " header for a payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			file, _ := cmd.Flags().GetString("file")
			unix, _ := cmd.Flags().GetInt64("timestamp")

			if secret == "" {
				secret = os.Getenv("STRIPE_WEBHOOK_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a webhook secret is required (--secret or STRIPE_WEBHOOK_SECRET)")
			}

			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			ts := time.Now()
			if unix > 0 {
				ts = time.Unix(unix, 0)
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(secret, ts, body))
			return nil
		},
	}

	cmd.Flags().StringP("secret", "s", "", "Webhook signing secret")
	cmd.Flags().StringP("file", "f", "", "Path to the JSON payload")
	cmd.Flags().Int64P("timestamp", "t", 0, "Unix timestamp to sign with (default now)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
