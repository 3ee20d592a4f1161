package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cheri-hub/sicar-api/internal/config"
	"github.com/cheri-hub/sicar-api/internal/database"
	"github.com/cheri-hub/sicar-api/internal/downloads"
	"github.com/cheri-hub/sicar-api/internal/ledger"
	"github.com/cheri-hub/sicar-api/internal/logging"
)

// openDatabase は --database か DATABASE_PATH のデータベースを開き、マイグレーションを適用します。
func openDatabase(cmd *cobra.Command) (*sql.DB, *zap.SugaredLogger, error) {
	path, _ := cmd.Flags().GetString("database")
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, errors.Wrap(err, "load config")
		}
		path = cfg.DatabasePath
	}

	log, err := logging.New(logging.Options{Level: "warn"})
	if err != nil {
		return nil, nil, err
	}
	db, err := database.OpenAndMigrate(path, log)
	if err != nil {
		return nil, nil, err
	}
	return db, log, nil
}

func addDatabaseFlag(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String("database", "", "sqlite ファイルのパス（省略時は DATABASE_PATH）")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return addDatabaseFlag(&cobra.Command{
		Use:   "migrate",
		Short: "データベースのマイグレーションを適用します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
}

func newReconcileCmd() *cobra.Command {
	return addDatabaseFlag(&cobra.Command{
		Use:   "reconcile",
		Short: "running のまま残ったダウンロードジョブとタスク記録を failed にします",
		Long: `API サーバーが停止している間に実行してください。
pending のジョブはそのまま残し、次回のサーバー起動時に再投入されます。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, log, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			// 再投入はしないので実行系は渡さない
			orch := downloads.NewOrchestrator(downloads.NewStore(db), downloads.NewMemoryInflight(), nil, nil, nil,
				downloads.Options{Logger: log})
			jobs, err := orch.FailStale(ctx)
			if err != nil {
				return err
			}
			tasks, err := ledger.New(db).ReconcileStale(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stale download jobs: %d\nstale scheduled tasks: %d\n", jobs, tasks)
			return nil
		},
	})
}

func newStatsCmd() *cobra.Command {
	return addDatabaseFlag(&cobra.Command{
		Use:   "stats",
		Short: "ダウンロードジョブの集計を JSON で表示します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := downloads.NewStore(db).Stats(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode stats")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
}
