package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"imagehub/internal/blob"
	"imagehub/internal/models"
	"imagehub/internal/staging"
	"imagehub/internal/storage"
	"imagehub/internal/transcode"
)

// memImages is an in-memory stand-in for the durable store, implementing both
// the orchestrator's ImageStore and the order manager's ImageRows with the
// same compare-and-swap semantics as the real table.
type memImages struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]*models.Image
	entities map[string]bool
	docURLs  map[string]string
}

func newMemImages(entities ...string) *memImages {
	m := &memImages{
		rows:     make(map[int64]*models.Image),
		entities: make(map[string]bool),
		docURLs:  make(map[string]string),
	}
	for _, e := range entities {
		m.entities[e] = true
	}
	return m
}

func entityKey(et models.EntityType, eid int64) string {
	return fmt.Sprintf("%s/%d", et, eid)
}

func (m *memImages) InsertImage(_ context.Context, img *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	img.ID = m.nextID
	img.RowVersion = 1
	cp := *img
	m.rows[img.ID] = &cp
	return nil
}

func (m *memImages) GetImage(_ context.Context, id int64) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.rows[id]
	if !ok {
		return nil, models.ErrImageNotFound
	}
	cp := *img
	return &cp, nil
}

func (m *memImages) ListActive(_ context.Context, et models.EntityType, eid int64, cat models.Category) ([]models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Image
	for _, img := range m.rows {
		if img.Active && img.EntityType == et && img.EntityID == eid && img.Category == cat {
			out = append(out, *img)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if sortKey(&out[j]) < sortKey(&out[i]) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func sortKey(img *models.Image) int64 {
	if img.DisplayOrder == nil {
		return 1<<40 + img.ID
	}
	return int64(*img.DisplayOrder)
}

func (m *memImages) MaxDisplayOrder(_ context.Context, et models.EntityType, eid int64, cat models.Category) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, img := range m.rows {
		if img.Active && img.EntityType == et && img.EntityID == eid && img.Category == cat &&
			img.DisplayOrder != nil && *img.DisplayOrder > max {
			max = *img.DisplayOrder
		}
	}
	return max, nil
}

func (m *memImages) SoftDelete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.rows[id]
	if !ok || !img.Active {
		return models.ErrImageNotFound
	}
	img.Active = false
	img.DisplayOrder = nil
	img.RowVersion++
	return nil
}

func (m *memImages) EntityExists(_ context.Context, et models.EntityType, eid int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities[entityKey(et, eid)], nil
}

func (m *memImages) SetEntityDocumentURL(_ context.Context, et models.EntityType, eid int64, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(et, eid)
	if !m.entities[key] {
		return models.ErrEntityNotFound
	}
	m.docURLs[key] = url
	return nil
}

func (m *memImages) ApplyOrders(_ context.Context, updates []storage.OrderUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		img, ok := m.rows[u.ID]
		if !ok || !img.Active || img.RowVersion != u.Version {
			return false, nil
		}
	}
	for _, u := range updates {
		img := m.rows[u.ID]
		order := u.Order
		img.DisplayOrder = &order
		img.RowVersion++
	}
	return true, nil
}

type staticURLs struct{}

func (staticURLs) PublicURL(path string) string { return "https://img.test/" + path }

type fixture struct {
	images *memImages
	blobs  blob.Store
	stg    *staging.Store
	svc    *Service
}

func newFixture(blobs blob.Store, entities ...string) *fixture {
	images := newMemImages(entities...)
	logger := zap.NewNop()
	stg := staging.New(blobs, 6*time.Hour, nil, logger)
	orders := storage.NewOrderManager(images, logger)
	svc := NewService(images, orders, blobs, staticURLs{}, stg, transcode.New(), 20<<20, logger)
	return &fixture{images: images, blobs: blobs, stg: stg, svc: svc}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadFile(t *testing.T, name string) UploadFile {
	return UploadFile{Name: name, MimeType: "image/png", Data: pngBytes(t)}
}

func activeOrders(t *testing.T, f *fixture, et models.EntityType, eid int64, cat models.Category) map[string]int {
	t.Helper()
	imgs, err := f.images.ListActive(context.Background(), et, eid, cat)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]int)
	for _, img := range imgs {
		if img.DisplayOrder == nil {
			t.Fatalf("active image %s has no display order", img.OriginalName)
		}
		out[img.OriginalName] = *img.DisplayOrder
	}
	return out
}

func TestUploadImagesEntityNotFound(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/1")

	_, err := f.svc.UploadImages(context.Background(), []UploadFile{uploadFile(t, "a.png")},
		models.EntityListing, 99, models.CategoryGallery, "u1")
	if !errors.Is(err, models.ErrEntityNotFound) {
		t.Fatalf("want ErrEntityNotFound, got %v", err)
	}
}

func TestUploadImagesAppendsInOrder(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/1")

	files := []UploadFile{uploadFile(t, "a.png"), uploadFile(t, "b.png"), uploadFile(t, "c.png")}
	results, err := f.svc.UploadImages(context.Background(), files,
		models.EntityListing, 1, models.CategoryGallery, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if !r.OK {
			t.Fatalf("item %s failed: %s", r.OriginalName, r.Error)
		}
	}

	orders := activeOrders(t, f, models.EntityListing, 1, models.CategoryGallery)
	if orders["a.png"] != 1 || orders["b.png"] != 2 || orders["c.png"] != 3 {
		t.Fatalf("append ordering wrong: %v", orders)
	}
}

func TestUploadImagesIsolatesBadFile(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/1")

	files := []UploadFile{
		uploadFile(t, "a.png"),
		{Name: "evil.exe", MimeType: "application/octet-stream", Data: []byte("nope")},
		uploadFile(t, "c.png"),
	}
	results, err := f.svc.UploadImages(context.Background(), files,
		models.EntityListing, 1, models.CategoryGallery, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].OK || results[1].OK || !results[2].OK {
		t.Fatalf("per-item isolation broken: %+v", results)
	}
	if !strings.Contains(results[1].Error, models.ErrUnsupportedMimeType.Error()) {
		t.Fatalf("want mime error, got %q", results[1].Error)
	}

	orders := activeOrders(t, f, models.EntityListing, 1, models.CategoryGallery)
	if len(orders) != 2 || orders["a.png"] != 1 || orders["c.png"] != 2 {
		t.Fatalf("sibling ordering wrong: %v", orders)
	}
}

type failTier struct {
	blob.Store
	substr string
}

func (f *failTier) Put(ctx context.Context, path string, data []byte, ct string) error {
	if strings.Contains(path, f.substr) {
		return errors.New("injected tier failure")
	}
	return f.Store.Put(ctx, path, data, ct)
}

func TestUploadImagesNoPartialTierSets(t *testing.T) {
	mem := blob.NewMemStore()
	f := newFixture(&failTier{Store: mem, substr: "_large"}, "listing/1")

	results, err := f.svc.UploadImages(context.Background(), []UploadFile{uploadFile(t, "a.png")},
		models.EntityListing, 1, models.CategoryGallery, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].OK {
		t.Fatal("upload should have failed")
	}
	if mem.Len() != 0 {
		t.Fatalf("partial tier set survived: %d blobs", mem.Len())
	}
	if len(activeOrders(t, f, models.EntityListing, 1, models.CategoryGallery)) != 0 {
		t.Fatal("image row created despite tier failure")
	}
}

func TestStagingEndToEnd(t *testing.T) {
	blobs := blob.NewMemStore()
	f := newFixture(blobs, "listing/42")
	ctx := context.Background()

	files := []UploadFile{uploadFile(t, "a.jpg"), uploadFile(t, "b.jpg"), uploadFile(t, "c.jpg")}
	token, items, err := f.svc.UploadToStaging(ctx, files, models.CategoryGallery, "caller-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if !it.OK {
			t.Fatalf("staging item %s failed: %s", it.OriginalName, it.Error)
		}
	}

	staged := f.stg.GetStagedImages(token)
	if len(staged) != 3 {
		t.Fatalf("want 3 staged, got %d", len(staged))
	}
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		if staged[i].OriginalName != name {
			t.Fatalf("upload order lost at %d: %s", i, staged[i].OriginalName)
		}
	}

	results, err := f.svc.MigrateStagedSession(ctx, token, models.EntityListing, 42, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if !r.OK {
			t.Fatalf("migration item %s failed: %s", r.OriginalName, r.Error)
		}
	}

	orders := activeOrders(t, f, models.EntityListing, 42, models.CategoryGallery)
	if orders["a.jpg"] != 1 || orders["b.jpg"] != 2 || orders["c.jpg"] != 3 {
		t.Fatalf("migrated ordering wrong: %v", orders)
	}

	// the session is gone and its staged blobs are cleaned up
	if f.stg.IsValidSession(token) {
		t.Fatal("session should be invalidated after migration")
	}
	stagedBlobs, err := blobs.List(ctx, "staging/")
	if err != nil {
		t.Fatal(err)
	}
	if len(stagedBlobs) != 0 {
		t.Fatalf("staged blobs survived migration: %v", stagedBlobs)
	}
}

func TestMigrateStagedSessionExpired(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/42")

	_, err := f.svc.MigrateStagedSession(context.Background(), "no-such-token", models.EntityListing, 42, "u1")
	if !errors.Is(err, models.ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired, got %v", err)
	}
}

func TestDeleteImageCompactsOrder(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/1")
	ctx := context.Background()

	files := []UploadFile{
		uploadFile(t, "a.png"), uploadFile(t, "b.png"),
		uploadFile(t, "c.png"), uploadFile(t, "d.png"),
	}
	results, err := f.svc.UploadImages(ctx, files, models.EntityListing, 1, models.CategoryGallery, "u1")
	if err != nil {
		t.Fatal(err)
	}

	// delete the image at display order 2
	ok, err := f.svc.DeleteImage(ctx, results[1].Image.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	orders := activeOrders(t, f, models.EntityListing, 1, models.CategoryGallery)
	if len(orders) != 3 {
		t.Fatalf("want 3 remaining, got %d", len(orders))
	}
	if orders["a.png"] != 1 || orders["c.png"] != 2 || orders["d.png"] != 3 {
		t.Fatalf("compaction broke relative order: %v", orders)
	}
}

func TestSetMainImage(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/1")
	ctx := context.Background()

	files := []UploadFile{uploadFile(t, "a.png"), uploadFile(t, "b.png"), uploadFile(t, "c.png")}
	results, err := f.svc.UploadImages(ctx, files, models.EntityListing, 1, models.CategoryGallery, "u1")
	if err != nil {
		t.Fatal(err)
	}

	main, err := f.svc.SetMainImage(ctx, results[2].Image.ID)
	if err != nil {
		t.Fatal(err)
	}
	if main.DisplayOrder == nil || *main.DisplayOrder != 1 {
		t.Fatalf("refreshed descriptor should be main, got %v", main.DisplayOrder)
	}

	orders := activeOrders(t, f, models.EntityListing, 1, models.CategoryGallery)
	if orders["c.png"] != 1 || orders["a.png"] != 3 || orders["b.png"] != 2 {
		t.Fatalf("swap wrong: %v", orders)
	}
}

func TestReorder(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/1")
	ctx := context.Background()

	files := []UploadFile{uploadFile(t, "a.png"), uploadFile(t, "b.png"), uploadFile(t, "c.png")}
	results, err := f.svc.UploadImages(ctx, files, models.EntityListing, 1, models.CategoryGallery, "u1")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := f.svc.Reorder(ctx, models.EntityListing, 1,
		[]int64{results[2].Image.ID, results[0].Image.ID, results[1].Image.ID})
	if err != nil || !ok {
		t.Fatalf("reorder: ok=%v err=%v", ok, err)
	}

	orders := activeOrders(t, f, models.EntityListing, 1, models.CategoryGallery)
	if orders["c.png"] != 1 || orders["a.png"] != 2 || orders["b.png"] != 3 {
		t.Fatalf("reorder wrong: %v", orders)
	}
}

func TestDocumentUploadBypassesGallery(t *testing.T) {
	f := newFixture(blob.NewMemStore(), "listing/7")
	ctx := context.Background()

	results, err := f.svc.UploadImages(ctx, []UploadFile{uploadFile(t, "contract.png")},
		models.EntityListing, 7, models.CategoryDocument, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].OK {
		t.Fatalf("document upload failed: %s", results[0].Error)
	}
	if results[0].DocumentURL == "" {
		t.Fatal("document URL missing")
	}
	if results[0].Image != nil {
		t.Fatal("document upload must not create a gallery row")
	}
	if f.images.docURLs[entityKey(models.EntityListing, 7)] != results[0].DocumentURL {
		t.Fatal("document URL not written onto entity")
	}
	if len(activeOrders(t, f, models.EntityListing, 7, models.CategoryDocument)) != 0 {
		t.Fatal("unexpected gallery rows for document category")
	}
}
