// Package api provides the REST interface to the package intake pipeline.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2029ijones-sudo/FireOS/internal/audit"
	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/intake"
	"github.com/2029ijones-sudo/FireOS/internal/report"
	"github.com/2029ijones-sudo/FireOS/internal/scan"
	"github.com/2029ijones-sudo/FireOS/internal/store"
)

// Version is the service version reported by /health.
const Version = "0.4.0"

// Server holds the API state.
type Server struct {
	intake       *intake.Service
	orchestrator *scan.Orchestrator
	meta         store.MetadataStore
	blobs        store.ContentStore
	auditLog     *audit.Log
	maxUpload    int64
}

// NewServer wires the API against the pipeline components.
func NewServer(svc *intake.Service, orchestrator *scan.Orchestrator,
	meta store.MetadataStore, blobs store.ContentStore,
	auditLog *audit.Log, maxUpload int64) *Server {
	return &Server{
		intake:       svc,
		orchestrator: orchestrator,
		meta:         meta,
		blobs:        blobs,
		auditLog:     auditLog,
		maxUpload:    maxUpload,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	// Health
	r.Get("/health", s.handleHealth)

	// Package routes
	r.Post("/api/v1/packages", s.handleUpload)
	r.Get("/api/v1/packages/{packageID}", s.handleGetPackage)
	r.Get("/api/v1/packages/{packageID}/verdict", s.handleGetVerdict)
	r.Get("/api/v1/packages/{packageID}/report", s.handleGetReport)
	r.Get("/api/v1/packages/{packageID}/threats", s.handleGetThreats)
	r.Get("/api/v1/packages/{packageID}/icon", s.handleGetIcon)
	r.Get("/api/v1/packages/{packageID}/download", s.handleDownload)
	r.Post("/api/v1/packages/{packageID}/rescan", s.handleRescan)

	// Audit routes
	r.Get("/api/v1/audit", s.handleGetAudit)
	r.Get("/api/v1/audit/verify", s.handleVerifyAudit)
	r.Get("/api/v1/audit/export", s.handleExportAudit)

	return r
}

// Start serves the API on addr until the listener fails.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engines := s.orchestrator.HealthCheck()
	healthy := true
	for _, ok := range engines {
		if !ok {
			healthy = false
		}
	}
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": Version,
		"service": "packgate",
		"engines": engines,
	})
}

// handleUpload accepts a multipart upload with a "package" archive part
// and a "manifest" JSON part.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	file, _, err := r.FormFile("package")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing package file part")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading package upload failed")
		return
	}
	manifestJSON := []byte(r.FormValue("manifest"))

	pkg, err := s.intake.Ingest(r.Context(), raw, manifestJSON)
	if err != nil {
		s.writeIngestError(w, pkg, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"package_id": pkg.ID,
		"name":       pkg.Manifest.Name,
		"version":    pkg.Manifest.Version,
		"status":     pkg.Status,
		"icon_url":   iconURL(pkg),
	})
}

// writeIngestError maps pipeline error kinds onto HTTP statuses.
func (s *Server) writeIngestError(w http.ResponseWriter, pkg *core.Package, err error) {
	switch core.KindOf(err) {
	case core.ErrDuplicatePackage:
		body := map[string]any{"error": "package content already exists"}
		if pkg != nil {
			body["package_id"] = pkg.ID
			body["status"] = pkg.Status
		}
		writeJSON(w, http.StatusConflict, body)
	case core.ErrMaliciousContent:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": "archive contains denied file types",
			"files": core.OffendingFiles(err),
		})
	case core.ErrArchiveTooLarge:
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case core.ErrInvalidInput, core.ErrInvalidArchive:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	body := map[string]any{
		"package_id": pkg.ID,
		"status":     pkg.Status,
		"verified":   pkg.Verified,
	}
	if pkg.ScanResults != nil {
		body["verdict"] = pkg.ScanResults
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	var (
		out string
		err error
	)
	if r.URL.Query().Get("view") == "summary" {
		out, err = report.GenerateJSONSummary(pkg)
	} else {
		out, err = report.GenerateJSONReport(pkg)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

func (s *Server) handleGetThreats(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	entries, err := s.meta.ThreatLog(pkg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_id": pkg.ID,
		"entries":    entries,
		"total":      len(entries),
	})
}

func (s *Server) handleGetIcon(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	if pkg.IconRef == "" {
		writeError(w, http.StatusNotFound, "package has no icon")
		return
	}
	data, err := s.blobs.Get(pkg.IconRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "icon unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleDownload serves the stored archive. Only clean packages are
// downloadable; anything else is refused.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	if pkg.Status != core.StatusClean {
		writeError(w, http.StatusForbidden,
			fmt.Sprintf("package is %s, not downloadable", pkg.Status))
		return
	}
	data, err := s.blobs.Get(pkg.BlobRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "package content unavailable")
		return
	}
	if err := s.meta.AddDownload(pkg.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s-%s.zip", pkg.Manifest.Name, pkg.Manifest.Version))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleRescan runs the engines again synchronously and returns the new
// verdict.
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookupPackage(w, r)
	if !ok {
		return
	}
	s.auditLog.Record(audit.EventRescan, pkg.ID, nil)
	verdict, err := s.orchestrator.Scan(r.Context(), pkg.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"package_id": pkg.ID,
		"verdict":    verdict,
	})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	event := r.URL.Query().Get("event")
	packageID := r.URL.Query().Get("package_id")
	entries := s.auditLog.Query(event, packageID, 100)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	valid, idx := s.auditLog.VerifyIntegrity()
	result := map[string]any{"valid": valid}
	if !valid {
		result["tampered_at"] = idx
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	data, err := s.auditLog.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=audit_log.json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) lookupPackage(w http.ResponseWriter, r *http.Request) (*core.Package, bool) {
	packageID := chi.URLParam(r, "packageID")
	pkg, err := s.meta.FindByID(packageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, "package not found")
		return nil, false
	}
	return pkg, true
}

func iconURL(pkg *core.Package) string {
	if pkg.IconRef == "" {
		return ""
	}
	return fmt.Sprintf("/api/v1/packages/%s/icon", pkg.ID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
