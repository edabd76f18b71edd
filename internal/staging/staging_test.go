package staging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagehub/internal/blob"
	"imagehub/internal/models"
	"imagehub/internal/sizes"
)

func tierBytes() map[string][]byte {
	out := make(map[string][]byte)
	for _, tier := range sizes.Names() {
		out[tier] = []byte("data-" + tier)
	}
	return out
}

func stagedInfo(name string) models.StagedImageInfo {
	return models.StagedImageInfo{
		GUID:         uuid.New(),
		OriginalName: name,
		Category:     models.CategoryGallery,
		MimeType:     "image/jpeg",
		ByteSize:     42,
		UploadedAt:   time.Now(),
	}
}

func newTestStore(t *testing.T, blobs blob.Store, ttl time.Duration) *Store {
	t.Helper()
	return New(blobs, ttl, nil, zap.NewNop())
}

func TestGetOrCreateSessionToken(t *testing.T) {
	s := newTestStore(t, blob.NewMemStore(), time.Hour)

	token, err := s.GetOrCreateSessionToken("caller-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 32 {
		t.Fatalf("want 32-character token, got %d: %q", len(token), token)
	}

	// one live session per caller context
	again, err := s.GetOrCreateSessionToken("caller-a")
	if err != nil {
		t.Fatal(err)
	}
	if again != token {
		t.Fatalf("same caller got a different token: %q vs %q", token, again)
	}

	other, err := s.GetOrCreateSessionToken("caller-b")
	if err != nil {
		t.Fatal(err)
	}
	if other == token {
		t.Fatal("distinct callers share a token")
	}
}

func TestStoreAndGetStagedImages(t *testing.T) {
	blobs := blob.NewMemStore()
	s := newTestStore(t, blobs, time.Hour)
	token, _ := s.GetOrCreateSessionToken("caller")

	names := []string{"a.jpg", "b.jpg", "c.jpg"}
	for _, name := range names {
		if err := s.StoreStagedImage(context.Background(), token, stagedInfo(name), tierBytes()); err != nil {
			t.Fatalf("store %s: %v", name, err)
		}
	}

	got := s.GetStagedImages(token)
	if len(got) != 3 {
		t.Fatalf("want 3 staged images, got %d", len(got))
	}
	for i, name := range names {
		if got[i].OriginalName != name {
			t.Fatalf("insertion order lost: position %d is %s", i, got[i].OriginalName)
		}
		if got[i].SessionToken != token {
			t.Fatalf("session token not bound on %s", name)
		}
	}
	if blobs.Len() != 3*len(sizes.Names()) {
		t.Fatalf("want %d staged blobs, got %d", 3*len(sizes.Names()), blobs.Len())
	}
	if !s.IsValidSession(token) {
		t.Fatal("session with staged images must be valid")
	}
}

type failingStore struct {
	*blob.MemStore
	failPath string
}

func (f *failingStore) Put(ctx context.Context, path string, data []byte, ct string) error {
	if path == f.failPath {
		return errors.New("injected failure")
	}
	return f.MemStore.Put(ctx, path, data, ct)
}

func TestStoreStagedImageAllOrNothing(t *testing.T) {
	blobs := &failingStore{MemStore: blob.NewMemStore()}
	s := newTestStore(t, blobs, time.Hour)
	token, _ := s.GetOrCreateSessionToken("caller")

	info := stagedInfo("a.jpg")
	blobs.failPath = blob.StagingPath(token, info.GUID.String(), "medium")

	err := s.StoreStagedImage(context.Background(), token, info, tierBytes())
	if err == nil {
		t.Fatal("expected failure")
	}
	if !errors.Is(err, models.ErrStorageUpload) {
		t.Fatalf("want ErrStorageUpload, got %v", err)
	}
	if blobs.Len() != 0 {
		t.Fatalf("previously written tiers not deleted: %d remain", blobs.Len())
	}
	if got := s.GetStagedImages(token); len(got) != 0 {
		t.Fatalf("failed image indexed anyway: %d entries", len(got))
	}
}

func TestExpiredEntriesExcludedAndEvicted(t *testing.T) {
	blobs := blob.NewMemStore()
	var evicted []string
	s := New(blobs, 50*time.Millisecond, func(paths []string) {
		evicted = append(evicted, paths...)
	}, zap.NewNop())
	token, _ := s.GetOrCreateSessionToken("caller")

	old := stagedInfo("old.jpg")
	old.UploadedAt = time.Now().Add(-time.Second)
	if err := s.StoreStagedImage(context.Background(), token, old, tierBytes()); err != nil {
		t.Fatal(err)
	}
	fresh := stagedInfo("fresh.jpg")
	if err := s.StoreStagedImage(context.Background(), token, fresh, tierBytes()); err != nil {
		t.Fatal(err)
	}

	got := s.GetStagedImages(token)
	if len(got) != 1 || got[0].OriginalName != "fresh.jpg" {
		t.Fatalf("expired entry not excluded: %v", got)
	}
	if len(evicted) != len(sizes.Names()) {
		t.Fatalf("want %d evicted paths, got %d", len(sizes.Names()), len(evicted))
	}
}

func TestIsValidSession(t *testing.T) {
	s := newTestStore(t, blob.NewMemStore(), time.Hour)

	if s.IsValidSession("nonexistent") {
		t.Fatal("unknown token must be invalid")
	}

	token, _ := s.GetOrCreateSessionToken("caller")
	if s.IsValidSession(token) {
		t.Fatal("empty session must be invalid")
	}
}

func TestInvalidateSession(t *testing.T) {
	blobs := blob.NewMemStore()
	s := newTestStore(t, blobs, time.Hour)
	token, _ := s.GetOrCreateSessionToken("caller")

	if err := s.StoreStagedImage(context.Background(), token, stagedInfo("a.jpg"), tierBytes()); err != nil {
		t.Fatal(err)
	}

	if err := s.InvalidateSession(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	if blobs.Len() != 0 {
		t.Fatalf("staged blobs not deleted: %d remain", blobs.Len())
	}
	if s.IsValidSession(token) {
		t.Fatal("invalidated session must be invalid")
	}

	// the caller gets a fresh session afterwards
	next, err := s.GetOrCreateSessionToken("caller")
	if err != nil {
		t.Fatal(err)
	}
	if next == token {
		t.Fatal("invalidated token was reused")
	}
}
