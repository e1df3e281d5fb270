package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/keywatcher/internal/core/domain"
	"github.com/vietddude/keywatcher/internal/infra/storage"
	"github.com/vietddude/keywatcher/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted block and key set summary",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("status needs database.url; memory storage is not persisted")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	blocks := postgres.NewBlockRecordRepo(db)
	keys := postgres.NewKeyRecordRepo(db)
	failed := postgres.NewFailedJobRepo(db)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TABLE\tROWS\tLATEST")

	blockCount, err := blocks.Count(ctx)
	if err != nil {
		slog.Error("Failed to count block records", "error", err)
		os.Exit(1)
	}
	latestBlock := "-"
	if rec, err := blocks.GetLatest(ctx); err == nil {
		latestBlock = fmt.Sprintf("#%d %s (version %d)", rec.Number, rec.Hash, rec.Version)
	} else if !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("Failed to read latest block record", "error", err)
	}
	_, _ = fmt.Fprintf(w, "block_records\t%d\t%s\n", blockCount, latestBlock)

	keyCount, err := keys.Count(ctx)
	if err != nil {
		slog.Error("Failed to count key records", "error", err)
		os.Exit(1)
	}
	latestKeys := "-"
	if rec, err := keys.GetLatest(ctx); err == nil {
		latestKeys = describeKeyRecord(rec)
	} else if !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("Failed to read latest key record", "error", err)
	}
	_, _ = fmt.Fprintf(w, "key_records\t%d\t%s\n", keyCount, latestKeys)

	failedCount, err := failed.Count(ctx)
	if err != nil {
		slog.Warn("Failed to count failed jobs", "error", err)
	}
	_, _ = fmt.Fprintf(w, "failed_jobs\t%d\t-\n", failedCount)
	_ = w.Flush()
}

func describeKeyRecord(rec *domain.KeyRecord) string {
	var set domain.KeySet
	if err := json.Unmarshal(rec.Keys, &set); err != nil {
		return fmt.Sprintf("version %d at #%d (undecodable)", rec.Version, rec.BlockNumber)
	}
	return fmt.Sprintf("version %d at #%d, %d operators, %d keys",
		rec.Version, rec.BlockNumber, len(set), set.TotalKeys())
}
