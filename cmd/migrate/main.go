// Command migrate moves a legacy local-filesystem image corpus into the blob
// store in resumable, checkpointed batches.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imagehub/internal/blob"
	"imagehub/internal/events"
	"imagehub/internal/migration"
	"imagehub/internal/models"
	"imagehub/internal/transcode"
)

var (
	configPath string
	mcfg       migration.Config
)

func main() {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Bulk-migrate a legacy image corpus into durable storage",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&mcfg.SourceRoot, "source", "", "legacy corpus root directory")
	root.PersistentFlags().StringVar(&mcfg.DestPrefix, "dest-prefix", "legacy", "destination path prefix")
	root.PersistentFlags().StringVar(&mcfg.CheckpointPath, "checkpoint", "migration.json", "checkpoint file")
	root.PersistentFlags().IntVar(&mcfg.BatchSize, "batch-size", 50, "images per batch")
	root.PersistentFlags().IntVar(&mcfg.MaxConcurrency, "max-concurrency", 4, "max in-flight transfers")
	root.PersistentFlags().IntVar(&mcfg.MaxRetries, "max-retries", 2, "per-tier upload retries")
	root.PersistentFlags().BoolVar(&mcfg.Validate, "validate", true, "re-probe uploads before allowing local cleanup")
	root.PersistentFlags().BoolVar(&mcfg.DeleteLocal, "delete-local", false, "delete local sources after validated migration")

	root.AddCommand(scanCmd(), runCmd(), resumeCmd(), cancelCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Partition the corpus into ready and problematic files",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := migration.ScanLocalCorpus(migration.ScanOptions{Root: mcfg.SourceRoot})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			fmt.Fprintf(os.Stderr, "ready=%d problems=%d\n", len(res.Ready), len(res.Problems))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a new migration run",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, logger, err := buildService()
			if err != nil {
				return err
			}
			defer logger.Sync()

			scan, err := migration.ScanLocalCorpus(migration.ScanOptions{Root: mcfg.SourceRoot})
			if err != nil {
				return err
			}
			for _, p := range scan.Problems {
				logger.Warn("skipping problem file", zap.String("path", p.Path), zap.String("reason", p.Reason))
			}

			sess := svc.StartMigration(&mcfg, scan.Ready)
			return runSession(svc, sess, scan.Ready, logger)
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused or interrupted run from its checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, logger, err := buildService()
			if err != nil {
				return err
			}
			defer logger.Sync()

			sess, err := migration.LoadSession(mcfg.CheckpointPath)
			if err != nil {
				return err
			}

			scan, err := migration.ScanLocalCorpus(migration.ScanOptions{Root: mcfg.SourceRoot})
			if err != nil {
				return err
			}
			return runSession(svc, sess, scan.Ready, logger)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a run and enqueue its uploaded blobs for deletion",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, logger, err := buildService()
			if err != nil {
				return err
			}
			defer logger.Sync()

			sess, err := migration.LoadSession(mcfg.CheckpointPath)
			if err != nil {
				return err
			}

			orphans, err := svc.Cancel(sess, &mcfg)
			if err != nil {
				return err
			}

			cfg, err := models.LoadConfig(configPath)
			if err != nil {
				return err
			}
			producer := events.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic, logger)
			defer producer.Close()
			producer.EnqueueDelete(context.Background(), orphans)

			logger.Info("migration cancelled",
				zap.String("session", sess.ID), zap.Int("orphans", len(orphans)))
			return nil
		},
	}
}

func runSession(svc *migration.Service, sess *migration.Session, ready []string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT pauses at the next batch boundary; the checkpoint makes the run
	// resumable.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("pause requested, finishing current batch")
		sess.RequestPause()
	}()

	if err := svc.Run(ctx, sess, &mcfg, ready); err != nil {
		return err
	}

	if sess.CurrentStatus() == migration.StatusCompleted && mcfg.Validate {
		if err := svc.Validate(ctx, sess); err != nil {
			return err
		}
		if mcfg.DeleteLocal {
			if err := svc.CleanupLocal(&mcfg, sess); err != nil {
				return err
			}
		}
	}

	processed, succeeded, failed := sess.Counters()
	logger.Info("migration finished",
		zap.String("status", string(sess.CurrentStatus())),
		zap.Int("processed", processed),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))
	return nil
}

func buildService() (*migration.Service, *zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}

	blobs := blob.NewS3Store(cfg.S3)
	return migration.NewService(blobs, transcode.New(), logger), logger, nil
}
