package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/keywatcher/internal/core/domain"
	redisclient "github.com/vietddude/keywatcher/internal/infra/redis"
	"github.com/vietddude/keywatcher/internal/infra/storage/postgres"
)

var resetAll bool

var resetCmd = &cobra.Command{
	Use:   "reset [from_block]",
	Short: "Delete block records from a block number, or everything with --all",
	Args:  cobra.MaximumNArgs(1),
	Run:   runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "delete every block and key record and the cached batch size")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	if !resetAll && len(args) == 0 {
		fmt.Println("Either a block number or --all is required")
		os.Exit(1)
	}

	var from uint64
	if !resetAll {
		var err error
		from, err = strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			fmt.Printf("Invalid block height: %v\n", err)
			os.Exit(1)
		}
	}

	cfg := loadConfig()
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

	if resetAll {
		nb, err := blocks.DeleteFrom(ctx, 0)
		if err != nil {
			slog.Error("Failed to delete block records", "error", err)
			os.Exit(1)
		}
		nk, err := keys.DeleteAll(ctx)
		if err != nil {
			slog.Error("Failed to delete key records", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %d block records and %d key records\n", nb, nk)

		if cfg.Redis.URL != "" {
			rc, err := redisclient.NewClient(cfg.Redis)
			if err != nil {
				slog.Warn("Redis unavailable, cached batch size kept", "error", err)
				return
			}
			defer func() {
				_ = rc.Close()
			}()
			if err := rc.ClearBatchSize(ctx, common.HexToAddress(cfg.Chain.RegistryAddress).Hex()); err != nil {
				slog.Error("Failed to clear cached batch size", "error", err)
				os.Exit(1)
			}
			fmt.Println("Cleared cached batch size")
		}
		return
	}

	// key sets first observed at or above the cut are dropped with their blocks
	var versions []domain.Version
	err = db.SelectContext(ctx, &versions,
		`SELECT version FROM key_records WHERE block_number >= $1`, int64(from))
	if err != nil {
		slog.Error("Failed to list key records", "error", err)
		os.Exit(1)
	}

	nb, err := blocks.DeleteFrom(ctx, from)
	if err != nil {
		slog.Error("Failed to delete block records", "error", err)
		os.Exit(1)
	}
	nk, err := keys.DeleteVersions(ctx, versions)
	if err != nil {
		slog.Error("Failed to delete key records", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d block records from #%d and %d key records\n", nb, from, nk)
}
