package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imagehub/internal/blob"
	"imagehub/internal/sizes"
	"imagehub/internal/transcode"
)

// Config sizes and steers one migration run.
type Config struct {
	Name           string `yaml:"name"`
	SourceRoot     string `yaml:"source_root"`
	DestPrefix     string `yaml:"dest_prefix"`
	BatchSize      int    `yaml:"batch_size"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxRetries     int    `yaml:"max_retries"`
	Validate       bool   `yaml:"validate"`
	DeleteLocal    bool   `yaml:"delete_local"`
	CheckpointPath string `yaml:"checkpoint_path"`
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.DestPrefix == "" {
		c.DestPrefix = "legacy"
	}
}

// Service drives the batched upload of a scanned corpus into the blob store.
type Service struct {
	blobs  blob.Store
	trans  *transcode.Transcoder
	logger *zap.Logger
}

func NewService(blobs blob.Store, trans *transcode.Transcoder, logger *zap.Logger) *Service {
	return &Service{blobs: blobs, trans: trans, logger: logger}
}

// StartMigration creates a session sized by the corpus and batch config.
func (s *Service) StartMigration(cfg *Config, ready []string) *Session {
	cfg.applyDefaults()
	return NewSession(cfg.Name, len(ready), cfg.BatchSize)
}

// Run processes batches while the session is Running. Each batch uploads all
// tiers per candidate atomically, bounded to MaxConcurrency in-flight images;
// one bad file never aborts its batch. After every batch the counters and
// cursor are checkpointed so a paused or crashed run resumes from the next
// unprocessed batch rather than restarting.
func (s *Service) Run(ctx context.Context, sess *Session, cfg *Config, ready []string) error {
	const op = "migration.Run"
	cfg.applyDefaults()

	if err := sess.TransitionTo(StatusRunning); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for start := sess.BatchIndex * sess.BatchSize; start < len(ready); start = sess.BatchIndex * sess.BatchSize {
		if sess.pausePending() {
			if err := sess.TransitionTo(StatusPaused); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			s.checkpoint(sess, cfg)
			s.logger.Info("migration paused at batch boundary",
				zap.String("session", sess.ID), zap.Int("batch", sess.BatchIndex))
			return nil
		}
		if err := ctx.Err(); err != nil {
			if terr := sess.TransitionTo(StatusPaused); terr != nil {
				return fmt.Errorf("%s: %w", op, terr)
			}
			s.checkpoint(sess, cfg)
			return fmt.Errorf("%s: %w", op, err)
		}

		end := start + sess.BatchSize
		if end > len(ready) {
			end = len(ready)
		}
		s.runBatch(ctx, sess, cfg, ready[start:end])

		sess.mu.Lock()
		sess.BatchIndex++
		sess.mu.Unlock()
		s.checkpoint(sess, cfg)
		processed, succeeded, failed := sess.Counters()
		s.logger.Info("migration batch done",
			zap.String("session", sess.ID),
			zap.Int("processed", processed),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed))
	}

	if err := sess.TransitionTo(StatusCompleted); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.checkpoint(sess, cfg)
	return nil
}

func (s *Service) runBatch(ctx context.Context, sess *Session, cfg *Config, batch []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)

	for _, src := range batch {
		src := src
		g.Go(func() error {
			destPaths, retries, err := s.migrateFile(gctx, cfg, src)
			if err != nil {
				s.logger.Warn("migration item failed",
					zap.String("source", src), zap.Int("retries", retries), zap.Error(err))
				sess.recordFailure(FailedItem{Path: src, Reason: err.Error(), Retries: retries})
				return nil // a bad file must never abort the batch
			}
			sess.recordSuccess(src, destPaths)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) migrateFile(ctx context.Context, cfg *Config, src string) ([]string, int, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, 0, fmt.Errorf("open: %w", err)
	}
	res, err := s.trans.TranscodeAll(f)
	f.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("transcode: %w", err)
	}

	base := destBase(cfg, src)
	objects := make([]blob.TierObject, 0, len(res.Tiers))
	for _, tier := range sizes.Names() {
		data, ok := res.Tiers[tier]
		if !ok {
			continue
		}
		objects = append(objects, blob.TierObject{
			Tier: tier,
			Path: fmt.Sprintf("%s_%s.jpg", base, tier),
			Data: data,
		})
	}

	tierResults, err := blob.PutAtomic(ctx, s.blobs, objects, cfg.MaxRetries)
	if err != nil {
		retries := 0
		for _, r := range tierResults {
			if r.Retries > retries {
				retries = r.Retries
			}
		}
		return nil, retries, err
	}

	paths := make([]string, len(tierResults))
	for i, r := range tierResults {
		paths[i] = r.Path
	}
	return paths, 0, nil
}

// Validate re-probes the destination to confirm every uploaded tier is
// retrievable. Local cleanup is refused unless this passes.
func (s *Service) Validate(ctx context.Context, sess *Session) error {
	const op = "migration.Validate"

	var missing []string
	for _, path := range append([]string(nil), sess.MigratedPaths...) {
		ok, err := s.blobs.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", op, path, err)
		}
		if !ok {
			missing = append(missing, path)
		}
	}

	sess.mu.Lock()
	sess.Validated = len(missing) == 0
	sess.mu.Unlock()

	if len(missing) > 0 {
		for _, m := range missing {
			sess.addWarning("validation missing: " + m)
		}
		return fmt.Errorf("%s: %d uploaded paths not retrievable", op, len(missing))
	}
	return nil
}

// CleanupLocal deletes successfully migrated source files. It refuses to act
// unless validation was enabled and passed.
func (s *Service) CleanupLocal(cfg *Config, sess *Session) error {
	const op = "migration.CleanupLocal"

	if !cfg.Validate || !sess.Validated {
		return fmt.Errorf("%s: refusing to delete local sources without successful validation", op)
	}

	for _, src := range append([]string(nil), sess.MigratedSources...) {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			sess.addWarning("cleanup failed: " + src)
			s.logger.Warn("failed to delete local source", zap.String("path", src), zap.Error(err))
		}
	}
	return nil
}

// Cancel marks the run cancelled and returns every destination path recorded
// as successfully uploaded, so the durable store does not accumulate orphans
// from an abandoned run. Local files are never touched here.
func (s *Service) Cancel(sess *Session, cfg *Config) ([]string, error) {
	const op = "migration.Cancel"

	if err := sess.TransitionTo(StatusCancelled); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.checkpoint(sess, cfg)

	sess.mu.Lock()
	orphans := append([]string(nil), sess.MigratedPaths...)
	sess.mu.Unlock()
	return orphans, nil
}

func (s *Service) checkpoint(sess *Session, cfg *Config) {
	if cfg.CheckpointPath == "" {
		return
	}
	if err := sess.Checkpoint(cfg.CheckpointPath); err != nil {
		s.logger.Error("checkpoint write failed", zap.String("session", sess.ID), zap.Error(err))
	}
}

// destBase derives a deterministic destination prefix for one source file, so
// a redone batch overwrites rather than duplicates.
func destBase(cfg *Config, src string) string {
	rel := src
	if cfg.SourceRoot != "" {
		if r, err := filepath.Rel(cfg.SourceRoot, src); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "/")
	return cfg.DestPrefix + "/" + rel
}
