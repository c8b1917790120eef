package intake

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2029ijones-sudo/FireOS/internal/audit"
	"github.com/2029ijones-sudo/FireOS/internal/config"
	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/store"
	"github.com/2029ijones-sudo/FireOS/internal/trust"
)

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type recordingRunner struct {
	mu   sync.Mutex
	ids  []string
	errs map[string]error
}

func (r *recordingRunner) Scan(_ context.Context, packageID string) (*core.AggregateVerdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, packageID)
	if err, ok := r.errs[packageID]; ok {
		return nil, err
	}
	return &core.AggregateVerdict{Status: core.VerdictClean}, nil
}

func (r *recordingRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func newTestService(t *testing.T) (*Service, store.MetadataStore, *store.FSBlobStore, *Queue) {
	t.Helper()
	meta, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, meta.Init())
	t.Cleanup(func() { meta.Close() })

	blobs, err := store.NewFSBlobStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	queue := NewQueue(8, 1)
	svc := NewService(config.Default().Archive, meta, blobs, trust.NewVerifier(), queue, audit.NewLog())
	return svc, meta, blobs, queue
}

func manifestJSON() []byte {
	return []byte(`{"name":"demo-tool","version":"1.0.0","type":"tool","entry_point":"main.js"}`)
}

func cleanArchive(t *testing.T) []byte {
	// Roughly 10 KB of plain content.
	body := bytes.Repeat([]byte("console.log('ok');\n"), 512)
	return buildZip(t, map[string][]byte{
		"main.js":   body,
		"icon.png":  []byte("\x89PNG icon bytes"),
		"README.md": []byte("# demo"),
	})
}

func TestIngestCleanFlow(t *testing.T) {
	svc, meta, blobs, queue := newTestService(t)
	raw := cleanArchive(t)

	pkg, err := svc.Ingest(context.Background(), raw, manifestJSON())
	require.NoError(t, err)
	require.NotNil(t, pkg)

	assert.Equal(t, core.StatusUploaded, pkg.Status)
	assert.Equal(t, core.HashBytes(raw), pkg.ContentHash)
	assert.Equal(t, "demo-tool", pkg.Manifest.Name)
	assert.NotEmpty(t, pkg.IconRef)
	assert.False(t, pkg.Verified)

	stored, err := meta.FindByID(pkg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pkg.ContentHash, stored.ContentHash)

	data, err := blobs.Get(pkg.BlobRef)
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	// The queued job reaches the runner.
	runner := &recordingRunner{}
	queue.Start(context.Background(), 1, runner)
	queue.Stop()
	assert.Equal(t, []string{pkg.ID}, runner.seen())
}

func TestIngestDuplicateContent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	raw := cleanArchive(t)

	first, err := svc.Ingest(context.Background(), raw, manifestJSON())
	require.NoError(t, err)

	second, err := svc.Ingest(context.Background(), raw, manifestJSON())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrDuplicatePackage))
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID, "duplicate must resolve to the original package")
}

// blindDedupStore hides existing rows from the application-level hash
// check, so two ingests of the same bytes both reach Insert and the
// UNIQUE constraint decides the winner.
type blindDedupStore struct {
	store.MetadataStore
}

func (b *blindDedupStore) FindByHash(string) (*core.Package, error) { return nil, nil }

func TestIngestDuplicateRaceKeepsWinnerBlobs(t *testing.T) {
	meta, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, meta.Init())
	t.Cleanup(func() { meta.Close() })

	blobs, err := store.NewFSBlobStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	queue := NewQueue(8, 0)
	svc := NewService(config.Default().Archive, &blindDedupStore{MetadataStore: meta},
		blobs, trust.NewVerifier(), queue, audit.NewLog())
	raw := cleanArchive(t)

	winner, err := svc.Ingest(context.Background(), raw, manifestJSON())
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), raw, manifestJSON())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrDuplicatePackage))

	// The loser's insert failure must not remove blobs the winner's
	// record points to.
	data, err := blobs.Get(winner.BlobRef)
	require.NoError(t, err, "winner archive blob must survive the loser's rollback")
	assert.Equal(t, raw, data)

	iconData, err := blobs.Get(winner.IconRef)
	require.NoError(t, err, "shared asset blobs must survive the loser's rollback")
	assert.NotEmpty(t, iconData)

	stored, err := meta.FindByID(winner.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, winner.BlobRef, stored.BlobRef)
}

func TestIngestDeniedFileTypeRejected(t *testing.T) {
	svc, meta, _, _ := newTestService(t)
	raw := buildZip(t, map[string][]byte{
		"main.js":     []byte("ok"),
		"payload.exe": []byte("MZ..."),
	})

	_, err := svc.Ingest(context.Background(), raw, manifestJSON())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrMaliciousContent))
	assert.Equal(t, []string{"payload.exe"}, core.OffendingFiles(err))

	// Nothing persisted for a rejected upload.
	stored, err := meta.FindByHash(core.HashBytes(raw))
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestIngestInvalidManifest(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	raw := cleanArchive(t)

	cases := []struct {
		name     string
		manifest []byte
	}{
		{"missing", nil},
		{"not json", []byte("not json")},
		{"no name", []byte(`{"version":"1.0.0"}`)},
		{"blank version", []byte(`{"name":"x","version":"  "}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), raw, tc.manifest)
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.ErrInvalidInput))
		})
	}
}

func TestIngestEmptyAndOversized(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Ingest(context.Background(), nil, manifestJSON())
	assert.True(t, core.IsKind(err, core.ErrInvalidInput))

	big := make([]byte, config.Default().Archive.MaxPackageBytes+1)
	_, err = svc.Ingest(context.Background(), big, manifestJSON())
	assert.True(t, core.IsKind(err, core.ErrArchiveTooLarge))
}

func TestIngestNotAZip(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Ingest(context.Background(), []byte("plain text"), manifestJSON())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrInvalidArchive))
}

func TestQueueRetriesFailedScan(t *testing.T) {
	queue := NewQueue(4, 2)
	runner := &recordingRunner{
		errs: map[string]error{"pkg_flaky": core.NewErrorf(core.ErrStorageFailure, "transient")},
	}
	queue.Start(context.Background(), 1, runner)
	require.True(t, queue.Enqueue(core.ScanJob{PackageID: "pkg_flaky"}))
	queue.Stop()

	// Initial attempt plus two retries.
	assert.Equal(t, []string{"pkg_flaky", "pkg_flaky", "pkg_flaky"}, runner.seen())
}

func TestQueueDropsUnknownPackage(t *testing.T) {
	queue := NewQueue(4, 3)
	runner := &recordingRunner{
		errs: map[string]error{"pkg_gone": core.NewErrorf(core.ErrNotFound, "no such package")},
	}
	queue.Start(context.Background(), 1, runner)
	require.True(t, queue.Enqueue(core.ScanJob{PackageID: "pkg_gone"}))
	queue.Stop()

	// NotFound is permanent, no retries.
	assert.Equal(t, []string{"pkg_gone"}, runner.seen())
}

func TestQueueFullReportsFalse(t *testing.T) {
	queue := NewQueue(1, 0)
	require.True(t, queue.Enqueue(core.ScanJob{PackageID: "pkg_a"}))
	assert.False(t, queue.Enqueue(core.ScanJob{PackageID: "pkg_b"}))

	runner := &recordingRunner{}
	queue.Start(context.Background(), 1, runner)
	queue.Stop()
	assert.Equal(t, []string{"pkg_a"}, runner.seen())
}

func TestQueueStopIsIdempotent(t *testing.T) {
	queue := NewQueue(2, 0)
	queue.Start(context.Background(), 2, &recordingRunner{})
	queue.Stop()
	queue.Stop()
	assert.False(t, queue.Enqueue(core.ScanJob{PackageID: "pkg_late"}))
}
