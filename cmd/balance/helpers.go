package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/config"
	"github.com/Veraticus/the-ledger-must-balance/internal/engine"
	"github.com/Veraticus/the-ledger-must-balance/internal/export"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/pricing"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/Veraticus/the-ledger-must-balance/internal/storage"
	"github.com/spf13/viper"
)

const dateLayout = "2006-01-02"

// initStorage opens the configured database and brings its schema up to date.
func initStorage(ctx context.Context) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(config.DatabasePath(viper.GetViper()))
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// openPriceService picks the HTTP price service when pricing.url is set and
// the local course_prices catalog otherwise. The returned closer is never nil.
func openPriceService(store *storage.SQLiteStorage, cfg config.PricingConfig) (service.PriceService, func() error, error) {
	if cfg.URL != "" {
		client, err := pricing.NewHTTPClient(cfg.URL, cfg.Timeout, cfg.Retry)
		if err != nil {
			return nil, nil, err
		}
		slog.Debug("Using remote price service", "url", cfg.URL)
		return client, func() error { return nil }, nil
	}

	catalog, err := store.NewPriceCatalog()
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("Using local price catalog", "database", store.Path())
	return catalog, catalog.Close, nil
}

// newOrchestrator wires an orchestrator from configuration.
func newOrchestrator(store *storage.SQLiteStorage) (*engine.Orchestrator, func() error, error) {
	v := viper.GetViper()

	thresholds, err := config.LoadThresholds(v)
	if err != nil {
		return nil, nil, err
	}
	pricingCfg, err := config.LoadPricingConfig(v)
	if err != nil {
		return nil, nil, err
	}

	prices, closePrices, err := openPriceService(store, pricingCfg)
	if err != nil {
		return nil, nil, err
	}

	orchestrator, err := engine.NewOrchestrator(store, prices, nil, thresholds, pricingCfg.Timeout)
	if err != nil {
		_ = closePrices()
		return nil, nil, err
	}
	return orchestrator, closePrices, nil
}

// parseDate parses an optional YYYY-MM-DD flag value.
func parseDate(value, flag string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", flag, value)
	}
	return &t, nil
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// writeExports writes the requested CSV and XLSX reports.
func writeExports(out io.Writer, batch *model.ReconciliationBatch, results []model.ReconciliationResult, csvPath, xlsxPath string) error {
	if csvPath != "" {
		if err := export.WriteCSVFile(csvPath, results); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d results to %s\n", len(results), csvPath)
	}
	if xlsxPath != "" {
		if err := export.WriteXLSX(xlsxPath, batch, results); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d results to %s\n", len(results), xlsxPath)
	}
	return nil
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func formatRelativeTime(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		if minutes := int(duration.Minutes()); minutes != 1 {
			return fmt.Sprintf("%d minutes ago", minutes)
		}
		return "1 minute ago"
	case duration < 24*time.Hour:
		if hours := int(duration.Hours()); hours != 1 {
			return fmt.Sprintf("%d hours ago", hours)
		}
		return "1 hour ago"
	case duration < 7*24*time.Hour:
		if days := int(duration.Hours() / 24); days != 1 {
			return fmt.Sprintf("%d days ago", days)
		}
		return "yesterday"
	default:
		return t.Format("2006-01-02 15:04")
	}
}
