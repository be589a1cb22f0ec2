package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/logging"
	"github.com/soltura/migrate/internal/migration"
	"github.com/soltura/migrate/internal/record"
)

// jobTimeout bounds detached export and import jobs.
const jobTimeout = 2 * time.Hour

type exportRequest struct {
	IncludeMedia bool     `json:"include_media"`
	Kinds        []string `json:"kinds,omitempty"`
	Exclude      []string `json:"exclude,omitempty"`
}

// handleStartExport kicks off a detached export job and answers with its id.
func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := ledger.NewJob(ledger.JobExport, s.environment)
	job.Parameters = map[string]any{"include_media": req.IncludeMedia, "kinds": req.Kinds}
	if err := s.ledger.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go s.runExport(job, req)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) runExport(job *ledger.Job, req exportRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.trackJob(job.ID, cancel)
	defer s.untrackJob(job.ID)

	rec := ledger.NewRecorder(s.ledger, job, slog.Default())
	job.Start()
	s.ledger.UpdateJob(ctx, job)

	ext := ".json.gz"
	if req.IncludeMedia {
		ext = ".tar.gz"
	}
	archivePath := "exports/" + job.ID + ext

	tmp, err := os.CreateTemp("", "migrate-export-*")
	if err != nil {
		s.failJob(job, fmt.Errorf("creating staging file: %w", err))
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	result, err := s.exporter.Export(ctx, tmp, migration.ExportOptions{
		IncludeMedia: req.IncludeMedia,
		Kinds:        req.Kinds,
		Exclude:      req.Exclude,
		Compress:     true,
	}, rec)
	if err != nil {
		s.failJob(job, err)
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		s.failJob(job, fmt.Errorf("rewinding staging file: %w", err))
		return
	}
	if _, err := s.archives.Write(ctx, archivePath, tmp); err != nil {
		s.failJob(job, fmt.Errorf("storing archive: %w", err))
		return
	}

	for _, warning := range result.Warnings {
		rec.Warn(ctx, warning, nil)
	}
	job.TotalRecords = result.Records
	job.ProcessedRecords = result.Records
	job.TotalFiles = result.Files
	job.ProcessedFiles = result.Files
	job.ArchivePath = archivePath
	job.Complete()
	s.ledger.UpdateJob(ctx, job)
}

// importRequest carries the import parameters. CreateCheckpoint and
// AutoRollback are pointers so an absent field defaults to true.
type importRequest struct {
	Archive          string `json:"archive"`
	Strategy         string `json:"strategy,omitempty"`
	CreateCheckpoint *bool  `json:"create_checkpoint,omitempty"`
	AutoRollback     *bool  `json:"auto_rollback,omitempty"`
	SkipVerify       bool   `json:"skip_verify"`
	SkipMedia        bool   `json:"skip_media"`
	DryRun           bool   `json:"dry_run"`
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// handleImport applies a previously received archive as a detached job. A
// dry run answers synchronously since it touches nothing.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Archive == "" {
		writeError(w, http.StatusBadRequest, "archive is required")
		return
	}
	if ok, err := s.archives.Exists(r.Context(), req.Archive); err != nil || !ok {
		writeError(w, http.StatusNotFound, "archive not found: "+req.Archive)
		return
	}

	if req.DryRun {
		data, err := readAll(r.Context(), s.archives, req.Archive)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		result, err := s.importer.ImportAll(r.Context(), data, migration.ImportOptions{
			Strategy:    req.Strategy,
			DryRun:      true,
			Environment: s.environment,
		}, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dry_run":  true,
			"counts":   result.Counts,
			"warnings": result.Warnings,
		})
		return
	}

	job := ledger.NewJob(ledger.JobImport, s.environment)
	job.ArchivePath = req.Archive
	job.Parameters = map[string]any{
		"strategy":          req.Strategy,
		"create_checkpoint": boolOr(req.CreateCheckpoint, true),
	}
	if err := s.ledger.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go s.runImport(job, req)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) runImport(job *ledger.Job, req importRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.trackJob(job.ID, cancel)
	defer s.untrackJob(job.ID)

	rec := ledger.NewRecorder(s.ledger, job, slog.Default())
	job.Start()
	s.ledger.UpdateJob(ctx, job)

	data, err := readAll(ctx, s.archives, req.Archive)
	if err != nil {
		s.failJob(job, fmt.Errorf("loading archive: %w", err))
		return
	}

	result, err := s.importer.ImportAll(ctx, data, migration.ImportOptions{
		Strategy:         req.Strategy,
		CreateCheckpoint: boolOr(req.CreateCheckpoint, true),
		AutoRollback:     boolOr(req.AutoRollback, true),
		SkipVerify:       req.SkipVerify,
		SkipMedia:        req.SkipMedia,
		Environment:      s.environment,
	}, rec)
	if result != nil {
		job.ProcessedRecords = result.Applied() + result.Skipped
		job.ProcessedFiles = result.MediaWritten
		job.CheckpointID = result.CheckpointID
		if len(result.Counts) > 0 {
			if job.Parameters == nil {
				job.Parameters = make(map[string]any)
			}
			job.Parameters["counts"] = result.Counts
		}
		for _, warning := range result.Warnings {
			rec.Warn(ctx, warning, nil)
		}
	}
	if err != nil {
		if result != nil && result.RolledBack {
			slog.Error("import rolled back", "job", job.ID, "checkpoint", result.CheckpointID, "error", err)
			job.FinishRollback(err.Error())
			s.updateJobDetached(job)
			return
		}
		s.failJob(job, err)
		return
	}
	job.Complete()
	s.ledger.UpdateJob(ctx, job)
}

// failJob records the terminal state on a fresh context: the job's own
// context may already be cancelled, and a cancelled job must still be
// persisted as cancelled rather than failed.
func (s *Server) failJob(job *ledger.Job, err error) {
	if errors.Is(err, context.Canceled) {
		slog.Warn("job cancelled", "job", job.ID, "type", job.Type)
		job.Cancel()
	} else {
		slog.Error("job failed", "job", job.ID, "type", job.Type, "error", err)
		job.Fail(err.Error())
	}
	s.updateJobDetached(job)
}

func (s *Server) updateJobDetached(job *ledger.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ledger.UpdateJob(ctx, job); err != nil {
		slog.Error("recording job state", "job", job.ID, "error", err)
	}
}

// handleReceive stages an uploaded archive for a later import.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "archive file is required")
		return
	}
	defer file.Close()

	name := path.Base(header.Filename)
	if name == "" || name == "." || name == "/" {
		writeError(w, http.StatusBadRequest, "invalid archive name")
		return
	}
	dest := "receives/" + name
	n, err := s.archives.Write(r.Context(), dest, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"archive": dest, "size": n})
}

// handleVerify checks live data against an archive without changing it.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Archive    string `json:"archive"`
		CheckFiles *bool  `json:"check_files,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := readAll(r.Context(), s.archives, req.Archive)
	if err != nil {
		writeError(w, http.StatusNotFound, "archive not found: "+req.Archive)
		return
	}
	payload, err := archive.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v := migration.NewVerifier(s.store, s.reg, s.media).WithFileChecks(boolOr(req.CheckFiles, true))
	report := v.Verify(r.Context(), payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              report.OK(),
		"problems":        report.Problems,
		"warnings":        report.Warnings,
		"records_checked": report.RecordsChecked,
		"files_checked":   report.FilesChecked,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.ledger.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ledger.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	resp := map[string]any{
		"job_id":            job.ID,
		"status":            job.Status,
		"progress":          job.Progress,
		"step":              job.Step,
		"total_records":     job.TotalRecords,
		"processed_records": job.ProcessedRecords,
		"total_files":       job.TotalFiles,
		"processed_files":   job.ProcessedFiles,
		"error":             job.Error,
	}
	if job.CheckpointID != "" {
		resp["checkpoint_id"] = job.CheckpointID
	}
	if counts, ok := job.Parameters["counts"]; ok {
		resp["counts"] = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancelJob signals a running job's context. The job worker records
// the cancelled state itself when its context unwinds.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.ledger.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if !s.cancelJob(id) {
		writeError(w, http.StatusConflict, "job is not running on this instance")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "cancelling": true})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ledger.GetJob(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	entries, err := s.ledger.ListEntries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleDownloadArchive streams a completed export's archive.
func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	job, err := s.ledger.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != ledger.StatusCompleted || job.ArchivePath == "" {
		writeError(w, http.StatusConflict, "job has no archive")
		return
	}
	rc, err := s.archives.Open(r.Context(), job.ArchivePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "archive missing from storage")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(job.ArchivePath)+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		logging.FromContext(r.Context()).Error("streaming archive", "job", job.ID, "error", err)
	}
}

// handleListMedia inventories every file the stored records point at.
func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeJSON(w, http.StatusOK, map[string]any{"files": []archive.MediaFile{}})
		return
	}
	files := make(map[string]archive.MediaFile)
	for _, name := range s.reg.Order() {
		k, _ := s.reg.Kind(name)
		fileFields := k.FileFields()
		if len(fileFields) == 0 {
			continue
		}
		err := s.store.Scan(r.Context(), name, func(rec record.Record) error {
			pk := record.PrimaryKey(k, rec)
			for _, f := range fileFields {
				p, _ := rec[f.Name].(string)
				if p == "" {
					continue
				}
				if _, dup := files[p]; dup {
					continue
				}
				mf := archive.MediaFile{Model: name, Field: f.Name, ObjectID: pk, URL: p}
				if rc, err := s.media.Open(r.Context(), p); err == nil {
					sum, err := record.Checksum(rc)
					rc.Close()
					if err == nil {
						mf.Checksum = sum
					}
				}
				files[p] = mf
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	out := make([]archive.MediaFile, 0, len(files))
	for _, mf := range files {
		out = append(out, mf)
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

// handleFetchMedia streams one media file by storage path.
func (s *Server) handleFetchMedia(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" || strings.Contains(p, "..") {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if s.media == nil {
		writeError(w, http.StatusNotFound, "no file storage configured")
		return
	}
	rc, err := s.media.Open(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, rc)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.ledger.ListCheckpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = "manual " + time.Now().UTC().Format("2006-01-02 15:04")
	}

	job := ledger.NewJob(ledger.JobCheckpoint, s.environment)
	if err := s.ledger.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec := ledger.NewRecorder(s.ledger, job, slog.Default())
	job.Start()
	s.ledger.UpdateJob(r.Context(), job)

	cp, err := s.checkpoints.Create(r.Context(), req.Name, req.Description, rec)
	if err != nil {
		s.failJob(job, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job.ArchivePath = cp.ArchivePath
	job.Complete()
	s.ledger.UpdateJob(r.Context(), job)
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job := ledger.NewJob(ledger.JobRollback, s.environment)
	job.Parameters = map[string]any{"checkpoint": id}
	if err := s.ledger.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec := ledger.NewRecorder(s.ledger, job, slog.Default())
	job.Start()
	job.BeginRollback(id)
	s.ledger.UpdateJob(r.Context(), job)

	if err := s.checkpoints.Rollback(r.Context(), id, rec); err != nil {
		s.failJob(job, err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	job.Complete()
	s.ledger.UpdateJob(r.Context(), job)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "rolled_back": true})
}

func readAll(ctx context.Context, blobs blob.Store, path string) ([]byte, error) {
	rc, err := blobs.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
