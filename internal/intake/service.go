// Package intake accepts untrusted package uploads: validation, content
// inspection, dedup, persistence, and handoff to asynchronous scanning.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/2029ijones-sudo/FireOS/internal/archive"
	"github.com/2029ijones-sudo/FireOS/internal/audit"
	"github.com/2029ijones-sudo/FireOS/internal/config"
	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/store"
	"github.com/2029ijones-sudo/FireOS/internal/trust"
)

// Service runs the intake pipeline for one upload at a time. Blob writes
// happen before the metadata insert; a failed insert undoes the archive
// write unless a concurrent duplicate won the race, in which case the
// surviving record keeps the shared content-addressed blobs.
type Service struct {
	cfg       config.ArchiveConfig
	inspector *archive.Inspector
	meta      store.MetadataStore
	blobs     store.ContentStore
	verifier  *trust.Verifier
	queue     *Queue
	auditLog  *audit.Log
}

func NewService(cfg config.ArchiveConfig, meta store.MetadataStore, blobs store.ContentStore,
	verifier *trust.Verifier, queue *Queue, auditLog *audit.Log) *Service {
	return &Service{
		cfg:       cfg,
		inspector: archive.NewInspector(cfg),
		meta:      meta,
		blobs:     blobs,
		verifier:  verifier,
		queue:     queue,
		auditLog:  auditLog,
	}
}

// Ingest processes one uploaded archive plus its declared manifest JSON.
// On success the returned package is in the uploaded state with a scan
// queued. Duplicate content returns the stored package alongside
// core.ErrDuplicatePackage.
func (s *Service) Ingest(ctx context.Context, raw []byte, manifestJSON []byte) (*core.Package, error) {
	manifest, err := s.parseManifest(manifestJSON)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, core.NewErrorf(core.ErrInvalidInput, "empty package upload")
	}
	if int64(len(raw)) > s.cfg.MaxPackageBytes {
		return nil, core.NewErrorf(core.ErrArchiveTooLarge,
			"package is %d bytes, limit is %d", len(raw), s.cfg.MaxPackageBytes)
	}

	hash := core.HashBytes(raw)
	if existing, err := s.meta.FindByHash(hash); err != nil {
		return nil, core.NewErrorf(core.ErrStorageFailure, "dedup lookup failed: %w", err)
	} else if existing != nil {
		return existing, core.NewErrorf(core.ErrDuplicatePackage,
			"content already uploaded as %s", existing.ID)
	}

	inspection, err := s.inspector.Inspect(raw)
	if err != nil {
		return nil, err
	}
	if len(inspection.MaliciousFindings) > 0 {
		s.auditLog.Record(audit.EventRejected, "", map[string]any{
			"hash":  hash,
			"files": inspection.MaliciousFindings,
		})
		return nil, &core.PipelineError{
			Kind:  core.ErrMaliciousContent,
			Files: inspection.MaliciousFindings,
			Err:   errors.New("archive contains denied file types"),
		}
	}

	pkg := &core.Package{
		ID:          core.NewPackageID(),
		ContentHash: hash,
		Manifest:    *manifest,
		SizeBytes:   int64(len(raw)),
		UploadedAt:  time.Now().UTC(),
		Status:      core.StatusUploaded,
	}

	if err := s.persistBlobs(pkg, raw, inspection); err != nil {
		s.rollbackArchiveBlob(pkg)
		return nil, err
	}

	if s.verifier != nil && len(inspection.ManifestRaw) > 0 && len(inspection.SignatureRaw) > 0 {
		if identity, ok := s.verifier.VerifyManifest(inspection.ManifestRaw, inspection.SignatureRaw); ok {
			pkg.TrustedPublisher = true
			log.WithFields(log.Fields{
				"package_id": pkg.ID,
				"identity":   identity,
			}).Info("Publisher signature verified")
		}
	}

	if err := s.meta.Insert(pkg); err != nil {
		if core.IsKind(err, core.ErrDuplicatePackage) {
			// A concurrent upload of the same content won the insert race.
			// Its record points at the same content-addressed blobs, so
			// nothing is deleted here.
			existing, lookupErr := s.meta.FindByHash(hash)
			if lookupErr == nil && existing != nil {
				return existing, err
			}
			return nil, err
		}
		s.rollbackArchiveBlob(pkg)
		return nil, err
	}

	s.auditLog.Record(audit.EventIntake, pkg.ID, map[string]any{
		"hash":    hash,
		"name":    manifest.Name,
		"version": manifest.Version,
		"size":    pkg.SizeBytes,
	})

	if !s.queue.Enqueue(core.ScanJob{PackageID: pkg.ID, ContentHash: hash, BlobRef: pkg.BlobRef}) {
		log.WithField("package_id", pkg.ID).Warn("Scan not queued, package awaits rescan")
	}
	return pkg, nil
}

func (s *Service) parseManifest(manifestJSON []byte) (*core.Manifest, error) {
	if len(manifestJSON) == 0 {
		return nil, core.NewErrorf(core.ErrInvalidInput, "missing manifest")
	}
	var m core.Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, core.NewErrorf(core.ErrInvalidInput, "manifest is not valid JSON: %w", err)
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Version = strings.TrimSpace(m.Version)
	if m.Name == "" || m.Version == "" {
		return nil, core.NewErrorf(core.ErrInvalidInput, "manifest requires name and version")
	}
	return &m, nil
}

// persistBlobs writes the raw archive and extracted assets. All keys are
// content hashes, so a re-put of bytes another package already stores is
// an idempotent no-op.
func (s *Service) persistBlobs(pkg *core.Package, raw []byte, inspection *archive.Inspection) error {
	locator, err := s.blobs.Put(pkg.ContentHash, raw)
	if err != nil {
		return core.NewErrorf(core.ErrStorageFailure, "storing package blob failed: %w", err)
	}
	pkg.BlobRef = locator

	if inspection.Icon != nil {
		iconLoc, err := s.blobs.Put(core.HashBytes(inspection.Icon.Data), inspection.Icon.Data)
		if err != nil {
			return core.NewErrorf(core.ErrStorageFailure, "storing icon failed: %w", err)
		}
		pkg.IconRef = iconLoc
	}
	for _, shot := range inspection.Screenshots {
		shotLoc, err := s.blobs.Put(core.HashBytes(shot.Data), shot.Data)
		if err != nil {
			return core.NewErrorf(core.ErrStorageFailure, "storing screenshot failed: %w", err)
		}
		pkg.ScreenshotRefs = append(pkg.ScreenshotRefs, shotLoc)
	}
	return nil
}

// rollbackArchiveBlob undoes the archive write for a failed ingest. Only
// the archive blob is removed: its key is this upload's content hash,
// which no surviving record holds once the insert has failed for a
// reason other than duplication. Icon and screenshot blobs are keyed by
// asset hash and may be shared with other live packages, so they are
// left in place; an orphaned asset is garbage, a deleted shared one is
// data loss.
func (s *Service) rollbackArchiveBlob(pkg *core.Package) {
	if pkg.BlobRef == "" {
		return
	}
	if err := s.blobs.Delete(pkg.BlobRef); err != nil {
		log.WithError(err).WithField("locator", pkg.BlobRef).Warn("Blob cleanup failed")
	}
}
