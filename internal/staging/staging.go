// Package staging holds images uploaded before their owning entity exists.
// Sessions are keyed by an opaque token, TTL-bound, and have no durable-store
// relationship until migrated onto an entity.
package staging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"imagehub/internal/blob"
	"imagehub/internal/models"
	"imagehub/internal/sizes"
)

const maxLiveSessions = 10000

type session struct {
	mu     sync.Mutex
	images []models.StagedImageInfo
}

func (s *session) snapshot() []models.StagedImageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StagedImageInfo, len(s.images))
	copy(out, s.images)
	return out
}

// EvictFunc receives the blob paths of an expired session so they become
// eligible for garbage collection.
type EvictFunc func(paths []string)

// Store is the staging-session store: an injected, independently-lifecycled
// keyed store with explicit expiry checks on read and eviction driven by the
// underlying TTL cache.
type Store struct {
	blobs  blob.Store
	ttl    time.Duration
	evict  EvictFunc
	logger *zap.Logger

	index *expirable.LRU[string, *session]

	mu       sync.Mutex
	byCaller map[string]string
}

func New(blobs blob.Store, ttl time.Duration, evict EvictFunc, logger *zap.Logger) *Store {
	s := &Store{
		blobs:    blobs,
		ttl:      ttl,
		evict:    evict,
		logger:   logger,
		byCaller: make(map[string]string),
	}
	// The eviction callback runs inside the cache's sweep; it must not touch
	// Store.mu, only the session's own lock and the evict hook.
	s.index = expirable.NewLRU(maxLiveSessions, s.onEvicted, ttl)
	return s
}

func (s *Store) onEvicted(token string, sess *session) {
	sess.mu.Lock()
	infos := sess.images
	sess.images = nil
	sess.mu.Unlock()

	if len(infos) == 0 {
		return
	}
	paths := stagedPaths(token, infos)
	s.logger.Info("staging session expired",
		zap.String("token", token), zap.Int("images", len(infos)))
	if s.evict != nil {
		s.evict(paths)
	}
}

// GetOrCreateSessionToken returns the caller's live session token, creating a
// fresh 32-character token if none exists or the previous one expired.
func (s *Store) GetOrCreateSessionToken(callerKey string) (string, error) {
	const op = "staging.GetOrCreateSessionToken"

	s.mu.Lock()
	token, ok := s.byCaller[callerKey]
	s.mu.Unlock()
	if ok {
		if _, live := s.index.Get(token); live {
			return token, nil
		}
	}

	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	s.index.Add(token, &session{})

	s.mu.Lock()
	s.byCaller[callerKey] = token
	s.mu.Unlock()

	return token, nil
}

// StoreStagedImage writes every tier's bytes under the session's staging
// prefix, then appends the info to the session index. The blob writes are
// all-or-nothing: a failed tier deletes the tiers already written for this
// image before returning.
func (s *Store) StoreStagedImage(ctx context.Context, token string, info models.StagedImageInfo, tiers map[string][]byte) error {
	const op = "staging.StoreStagedImage"

	sess, ok := s.index.Get(token)
	if !ok {
		return fmt.Errorf("%s: token %s: %w", op, token, models.ErrSessionExpired)
	}

	var written []string
	for _, tier := range sizes.Names() {
		data, ok := tiers[tier]
		if !ok {
			continue
		}
		path := blob.StagingPath(token, info.GUID.String(), tier)
		if err := s.blobs.Put(ctx, path, data, "image/jpeg"); err != nil {
			s.rollback(ctx, written)
			return fmt.Errorf("%s: tier %s: %w: %v", op, tier, models.ErrStorageUpload, err)
		}
		written = append(written, path)
	}

	info.SessionToken = token
	sess.mu.Lock()
	sess.images = append(sess.images, info)
	sess.mu.Unlock()

	return nil
}

// GetStagedImages returns the session's non-expired entries in insertion
// order. Expired entries are excluded and lazily evicted.
func (s *Store) GetStagedImages(token string) []models.StagedImageInfo {
	sess, ok := s.index.Get(token)
	if !ok {
		return nil
	}

	now := time.Now()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	live := sess.images[:0]
	var expired []models.StagedImageInfo
	for _, info := range sess.images {
		if info.Expired(now, s.ttl) {
			expired = append(expired, info)
			continue
		}
		live = append(live, info)
	}
	sess.images = live

	if len(expired) > 0 && s.evict != nil {
		s.evict(stagedPaths(token, expired))
	}

	out := make([]models.StagedImageInfo, len(live))
	copy(out, live)
	return out
}

// IsValidSession reports whether the session exists and still holds at least
// one non-expired image.
func (s *Store) IsValidSession(token string) bool {
	return len(s.GetStagedImages(token)) > 0
}

// InvalidateSession deletes every staged blob for the token and clears its
// index. Used on successful migration and on abandonment.
func (s *Store) InvalidateSession(ctx context.Context, token string) error {
	const op = "staging.InvalidateSession"

	sess, ok := s.index.Get(token)
	if ok {
		sess.mu.Lock()
		infos := sess.images
		sess.images = nil
		sess.mu.Unlock()

		for _, path := range stagedPaths(token, infos) {
			if err := s.blobs.Delete(ctx, path); err != nil {
				s.logger.Warn("failed to delete staged blob",
					zap.String("path", path), zap.Error(err))
			}
		}
	}
	s.index.Remove(token)

	s.mu.Lock()
	for caller, t := range s.byCaller {
		if t == token {
			delete(s.byCaller, caller)
		}
	}
	s.mu.Unlock()

	return nil
}

// StagedTier reads back one staged tier's bytes.
func (s *Store) StagedTier(ctx context.Context, token string, info models.StagedImageInfo, tier string) ([]byte, error) {
	return s.blobs.Get(ctx, blob.StagingPath(token, info.GUID.String(), tier))
}

func (s *Store) rollback(ctx context.Context, paths []string) {
	for _, path := range paths {
		if err := s.blobs.Delete(ctx, path); err != nil {
			s.logger.Warn("failed to roll back staged tier",
				zap.String("path", path), zap.Error(err))
		}
	}
}

func stagedPaths(token string, infos []models.StagedImageInfo) []string {
	paths := make([]string, 0, len(infos)*len(sizes.Names()))
	for _, info := range infos {
		for _, tier := range sizes.Names() {
			paths = append(paths, blob.StagingPath(token, info.GUID.String(), tier))
		}
	}
	return paths
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
