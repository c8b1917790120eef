package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2029ijones-sudo/FireOS/internal/core"
)

// MetadataStore defines the durable operations for package records,
// scan verdicts, and the threat log.
type MetadataStore interface {
	Init() error
	Insert(pkg *core.Package) error
	FindByHash(hash string) (*core.Package, error)
	FindByID(id string) (*core.Package, error)
	MarkScanning(id string) error
	ApplyVerdict(id string, verified bool, verdict *core.AggregateVerdict) error
	AppendThreatLog(entry core.ThreatLogEntry) error
	ThreatLog(packageID string) ([]core.ThreatLogEntry, error)
	AddDownload(id string) error
	Close() error
}

// SQLiteStore is the sqlite-backed MetadataStore.
type SQLiteStore struct {
	db *sql.DB
}

var _ MetadataStore = &SQLiteStore{}

// NewSQLiteStore opens (or creates) the metadata database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Init creates the schema. The UNIQUE constraint on content_hash is the
// final authority for deduplication: two uploads racing past the
// application-level hash check cannot both insert.
func (s *SQLiteStore) Init() error {
	createStmt := `
	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL UNIQUE,
		manifest TEXT NOT NULL,
		icon_ref TEXT,
		screenshot_refs TEXT,
		blob_ref TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		uploaded_at TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		scan_results TEXT,
		trusted_publisher INTEGER NOT NULL DEFAULT 0,
		downloads INTEGER NOT NULL DEFAULT 0,
		rating REAL NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS threat_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		package_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		threats TEXT NOT NULL,
		detected_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(createStmt)
	return err
}

// Insert adds a new package record. A content_hash collision is reported
// as DuplicatePackage so the caller can roll back its blob writes.
func (s *SQLiteStore) Insert(pkg *core.Package) error {
	manifest, err := json.Marshal(pkg.Manifest)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	screenshots, err := json.Marshal(pkg.ScreenshotRefs)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}

	_, err = s.db.Exec(`
	INSERT INTO packages (
		id, content_hash, manifest, icon_ref, screenshot_refs, blob_ref,
		size_bytes, uploaded_at, verified, status, trusted_publisher, downloads, rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pkg.ID, pkg.ContentHash, string(manifest), pkg.IconRef, string(screenshots),
		pkg.BlobRef, pkg.SizeBytes, pkg.UploadedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(pkg.Verified), string(pkg.Status), boolToInt(pkg.TrustedPublisher),
		pkg.Downloads, pkg.Rating)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewErrorf(core.ErrDuplicatePackage,
				"content hash %s already registered", pkg.ContentHash)
		}
		return core.NewError(core.ErrStorageFailure, err)
	}
	return nil
}

// FindByHash returns the package with the given content hash, or nil
// when no such package exists.
func (s *SQLiteStore) FindByHash(hash string) (*core.Package, error) {
	return s.findOne("content_hash", hash)
}

// FindByID returns the package with the given id, or nil when absent.
func (s *SQLiteStore) FindByID(id string) (*core.Package, error) {
	return s.findOne("id", id)
}

func (s *SQLiteStore) findOne(column, value string) (*core.Package, error) {
	row := s.db.QueryRow(fmt.Sprintf(`
	SELECT id, content_hash, manifest, icon_ref, screenshot_refs, blob_ref,
		size_bytes, uploaded_at, verified, status, scan_results,
		trusted_publisher, downloads, rating
	FROM packages WHERE %s = ?`, column), value)

	var (
		pkg            core.Package
		manifestJSON   string
		screenshotJSON sql.NullString
		scanJSON       sql.NullString
		uploadedAt     string
		verified       int
		trusted        int
		status         string
	)
	err := row.Scan(
		&pkg.ID, &pkg.ContentHash, &manifestJSON, &pkg.IconRef, &screenshotJSON,
		&pkg.BlobRef, &pkg.SizeBytes, &uploadedAt, &verified, &status,
		&scanJSON, &trusted, &pkg.Downloads, &pkg.Rating)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError(core.ErrStorageFailure, err)
	}

	if err := json.Unmarshal([]byte(manifestJSON), &pkg.Manifest); err != nil {
		return nil, core.NewError(core.ErrStorageFailure, err)
	}
	if screenshotJSON.Valid && screenshotJSON.String != "" {
		if err := json.Unmarshal([]byte(screenshotJSON.String), &pkg.ScreenshotRefs); err != nil {
			pkg.ScreenshotRefs = nil
		}
	}
	if scanJSON.Valid && scanJSON.String != "" {
		var verdict core.AggregateVerdict
		if err := json.Unmarshal([]byte(scanJSON.String), &verdict); err == nil {
			pkg.ScanResults = &verdict
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, uploadedAt); err == nil {
		pkg.UploadedAt = ts
	}
	pkg.Verified = verified != 0
	pkg.TrustedPublisher = trusted != 0
	pkg.Status = core.PackageStatus(status)
	return &pkg, nil
}

// MarkScanning transitions a package to the scanning state.
func (s *SQLiteStore) MarkScanning(id string) error {
	res, err := s.db.Exec(`UPDATE packages SET status = ? WHERE id = ?`,
		string(core.StatusScanning), id)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	return requireRow(res, id)
}

// ApplyVerdict writes verified, status, and scan_results in one UPDATE
// so concurrent scans of the same package never interleave partial
// verdicts; the last full verdict wins.
func (s *SQLiteStore) ApplyVerdict(id string, verified bool, verdict *core.AggregateVerdict) error {
	scanJSON, err := json.Marshal(verdict)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	status := core.StatusClean
	if verdict.Status == core.VerdictMalicious {
		status = core.StatusMalicious
	}

	res, err := s.db.Exec(`
	UPDATE packages SET verified = ?, status = ?, scan_results = ? WHERE id = ?`,
		boolToInt(verified), string(status), string(scanJSON), id)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	return requireRow(res, id)
}

// AppendThreatLog appends one immutable threat record.
func (s *SQLiteStore) AppendThreatLog(entry core.ThreatLogEntry) error {
	threats, err := json.Marshal(entry.Threats)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	_, err = s.db.Exec(`
	INSERT INTO threat_log (package_id, content_hash, threats, detected_at)
		VALUES (?, ?, ?, ?)`,
		entry.PackageID, entry.Hash, string(threats),
		entry.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	return nil
}

// ThreatLog returns all threat records for a package, oldest first.
func (s *SQLiteStore) ThreatLog(packageID string) ([]core.ThreatLogEntry, error) {
	rows, err := s.db.Query(`
	SELECT id, package_id, content_hash, threats, detected_at
	FROM threat_log WHERE package_id = ? ORDER BY id`, packageID)
	if err != nil {
		return nil, core.NewError(core.ErrStorageFailure, err)
	}
	defer rows.Close()

	var entries []core.ThreatLogEntry
	for rows.Next() {
		var (
			entry       core.ThreatLogEntry
			threatsJSON string
			detectedAt  string
		)
		if err := rows.Scan(&entry.ID, &entry.PackageID, &entry.Hash,
			&threatsJSON, &detectedAt); err != nil {
			return nil, core.NewError(core.ErrStorageFailure, err)
		}
		if err := json.Unmarshal([]byte(threatsJSON), &entry.Threats); err != nil {
			entry.Threats = []string{}
		}
		if ts, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			entry.DetectedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AddDownload bumps the usage counter. Counters are the only mutable
// field of a terminal package.
func (s *SQLiteStore) AddDownload(id string) error {
	_, err := s.db.Exec(`UPDATE packages SET downloads = downloads + 1 WHERE id = ?`, id)
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewError(core.ErrStorageFailure, err)
	}
	if n == 0 {
		return core.NewErrorf(core.ErrNotFound, "package %s not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
