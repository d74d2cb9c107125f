package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadscan/config"
	"leadscan/models"
	"leadscan/providers/inference"
)

// newTestDB öffnet eine isolierte In-Memory-Datenbank pro Test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite verträgt keine konkurrierenden Schreib-Verbindungen.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Publication{},
		&models.Page{},
		&models.PageOcr{},
		&models.Lead{},
		&models.LeadEnrichment{},
	))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPMaxAttempts:    2,
		HTTPBaseDelayMS:    1,
		HTTPMaxDelayMS:     5,
		HTTPJitterPercent:  0,
		PDFChunkSize:       2,
		PDFMaxAttempts:     2,
		PDFTargetWidth:     1200,
		PDFWebpQuality:     85,
		PDFRenderDPI:       150,
		PageConcurrency:    2,
		SegmentConcurrency: 4,
	}
}

// fakeBlobs ist ein In-Memory-Objektspeicher für Tests.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Upload(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) PresignPut(_ context.Context, key string) (string, error) {
	return "https://blobs.test/put/" + key, nil
}

func (f *fakeBlobs) PresignGet(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return "https://blobs.test/get/" + key, nil
}

func (f *fakeBlobs) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// syncScheduler führt Jobs sofort im aufrufenden Goroutine aus, damit Tests
// deterministisch bleiben.
type syncScheduler struct{}

func (syncScheduler) Schedule(_ string, _ time.Duration, job func()) {
	job()
}

// newPipelineClient startet einen Fake-Pipeline-Service und liefert einen
// Client, der gegen ihn spricht.
func newPipelineClient(t *testing.T, handler http.HandlerFunc) *inference.Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := inference.NewClient(ts.URL, "", zap.NewNop())
	c.HTTP = ts.Client()
	return c
}

func decodeJSON[T any](t *testing.T, r *http.Request) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
	return v
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// newStack verdrahtet Rasterizer, Extractor und Orchestrator mit Fakes.
func newStack(t *testing.T, handler http.HandlerFunc) (*PublicationService, *gorm.DB, *fakeBlobs) {
	t.Helper()
	cfg := testConfig()
	db := newTestDB(t)
	blobs := newFakeBlobs()
	client := newPipelineClient(t, handler)
	log := zap.NewNop()

	rasterizer := NewRasterizer(cfg, db, blobs, client, log)
	extractor := NewExtractor(cfg, db, blobs, client, log)
	svc := NewPublicationService(cfg, db, blobs, rasterizer, extractor, syncScheduler{}, log)
	return svc, db, blobs
}
