package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Veraticus/the-ledger-must-balance/internal/cli"
	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/ingest"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/spf13/cobra"
)

type importFlags struct {
	payments    string
	enrollments string
	prices      string
	currency    string
	dryRun      bool
	noSnapshot  bool
}

// billingSnapshot is what one import run loads.
type billingSnapshot struct {
	payments    []model.Payment
	enrollments []model.Enrollment
	prices      []model.CoursePrice
}

func importCmd() *cobra.Command {
	var flags importFlags

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a billing snapshot from CSV files",
		Long: `Load payments, enrollments and course prices exported by the billing
system. Rows are upserted by their IDs, so importing the same file twice is
harmless. Reconciliation statuses are never touched by an import.

Payments need payment_id, invoice_id, payment_date and amount columns.
Enrollments need enrollment_id, invoice_id, course_code and term.
Prices need course_code and base_price.`,
		Example: `  balance import --enrollments enrollments.csv --payments payments.csv
  balance import --prices prices-2024.csv --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.payments, "payments", "", "payments CSV file")
	cmd.Flags().StringVar(&flags.enrollments, "enrollments", "", "enrollments CSV file")
	cmd.Flags().StringVar(&flags.prices, "prices", "", "course prices CSV file")
	cmd.Flags().StringVar(&flags.currency, "currency", "", "currency for rows without one")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "parse and validate without saving")
	cmd.Flags().BoolVar(&flags.noSnapshot, "no-snapshot", false, "skip the automatic snapshot before importing")

	cmd.MarkFlagsOneRequired("payments", "enrollments", "prices")

	return cmd
}

func runImport(cmd *cobra.Command, flags importFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	parser := ingest.NewParser()
	if flags.currency != "" {
		parser.DefaultCurrency = flags.currency
	}

	snapshot, err := parseSnapshot(ctx, parser, flags)
	if err != nil {
		return err
	}

	if flags.dryRun {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Dry run: %d payments, %d enrollments and %d prices are valid",
			len(snapshot.payments), len(snapshot.enrollments), len(snapshot.prices))))
		return nil
	}

	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if !flags.noSnapshot {
		if err := autoSnapshot(ctx, cmd.ErrOrStderr(), store, "import"); err != nil {
			return err
		}
	}

	if len(snapshot.prices) > 0 {
		if err := store.SaveCoursePrices(ctx, snapshot.prices); err != nil {
			return fmt.Errorf("failed to save course prices: %w", err)
		}
		fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d course prices", len(snapshot.prices))))
	}
	if len(snapshot.enrollments) > 0 {
		if err := store.SaveEnrollments(ctx, snapshot.enrollments); err != nil {
			return fmt.Errorf("failed to save enrollments: %w", err)
		}
		fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d enrollments", len(snapshot.enrollments))))
	}
	if len(snapshot.payments) > 0 {
		if err := store.SavePayments(ctx, snapshot.payments); err != nil {
			return fmt.Errorf("failed to save payments: %w", err)
		}
		fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Imported %d payments", len(snapshot.payments))))
	}

	common.LogInfo(ctx, "Billing snapshot imported", common.Fields{
		"payments":    len(snapshot.payments),
		"enrollments": len(snapshot.enrollments),
		"prices":      len(snapshot.prices),
	})
	return nil
}

// parseSnapshot reads every file before anything is saved.
func parseSnapshot(ctx context.Context, parser *ingest.Parser, flags importFlags) (billingSnapshot, error) {
	var snapshot billingSnapshot
	var err error

	if flags.prices != "" {
		err = withFile(flags.prices, func(r io.Reader) error {
			snapshot.prices, err = parser.ParsePrices(ctx, r)
			return err
		})
		if err != nil {
			return snapshot, common.NewUserError("Invalid prices file "+flags.prices, err)
		}
	}
	if flags.enrollments != "" {
		err = withFile(flags.enrollments, func(r io.Reader) error {
			snapshot.enrollments, err = parser.ParseEnrollments(ctx, r)
			return err
		})
		if err != nil {
			return snapshot, common.NewUserError("Invalid enrollments file "+flags.enrollments, err)
		}
	}
	if flags.payments != "" {
		err = withFile(flags.payments, func(r io.Reader) error {
			snapshot.payments, err = parser.ParsePayments(ctx, r)
			return err
		})
		if err != nil {
			return snapshot, common.NewUserError("Invalid payments file "+flags.payments, err)
		}
	}
	return snapshot, nil
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return fn(f)
}
