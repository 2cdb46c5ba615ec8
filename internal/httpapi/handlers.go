package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tubegrab/tubegrab/internal/config"
	"github.com/tubegrab/tubegrab/internal/jobs"
	"github.com/tubegrab/tubegrab/pkg/file"
)

type submitRequest struct {
	URL          string `json:"url"`
	FormatID     string `json:"format_id"`
	Quality      string `json:"quality"`
	FileType     string `json:"file_type"`
	Title        string `json:"title"`
	Platform     string `json:"platform"`
	ThumbnailURL string `json:"thumbnail_url"`
	Duration     string `json:"duration"`
	// Start controls whether admission is attempted right away. Defaults to
	// true; a nil value keeps the default.
	Start *bool `json:"start"`
}

type submitResponse struct {
	Job *jobs.Job `json:"job"`
	// Admitted is false when the concurrency limit kept the job pending.
	Admitted bool `json:"admitted"`
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := jobs.Status(r.URL.Query().Get("status"))
		list, err := s.orch.List(r.Context(), status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if strings.TrimSpace(req.FormatID) == "" {
		writeError(w, http.StatusBadRequest, "format_id is required")
		return
	}

	desc := jobs.Descriptor{
		URL:          req.URL,
		Title:        req.Title,
		Platform:     req.Platform,
		FormatID:     req.FormatID,
		Quality:      req.Quality,
		FileType:     req.FileType,
		ThumbnailURL: req.ThumbnailURL,
		Duration:     req.Duration,
	}

	// Metadata failures surface here, before any job record exists.
	if desc.Title == "" && s.meta != nil {
		meta, err := s.meta.Extract(r.Context(), req.URL)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		desc.Title = meta.Title
		desc.Platform = meta.Platform
		desc.Duration = meta.Duration
		desc.ThumbnailURL = meta.ThumbnailURL
	}

	settings, err := s.settings.GetRuntimeSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := file.EnsureDir(settings.DownloadPath); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	title := desc.Title
	if title == "" {
		title = req.URL
	}
	desc.FilePath = file.OutputTemplate(settings.DownloadPath, title)

	job, err := s.orch.Submit(r.Context(), desc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	admitted := false
	if req.Start == nil || *req.Start {
		admitted, err = s.orch.Start(r.Context(), job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job, err = s.orch.Get(r.Context(), job.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, submitResponse{Job: job, Admitted: admitted})
}

func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/downloads/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "missing download id")
		return
	}

	jobID, action, hasAction := strings.Cut(rest, "/")
	if hasAction {
		s.handleAction(w, r, jobID, action)
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.orch.Get(r.Context(), jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.orch.Delete(r.Context(), jobID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type actionResponse struct {
	Job      *jobs.Job `json:"job"`
	Admitted bool      `json:"admitted,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, jobID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var admitted bool
	var err error
	switch action {
	case "start":
		admitted, err = s.orch.Start(r.Context(), jobID)
	case "pause":
		err = s.orch.Pause(r.Context(), jobID)
	case "resume":
		err = s.orch.Resume(r.Context(), jobID)
	case "cancel":
		err = s.orch.Cancel(r.Context(), jobID)
	case "retry":
		admitted, err = s.orch.Retry(r.Context(), jobID)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeJobError(w, err)
		return
	}

	job, err := s.orch.Get(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Job: job, Admitted: admitted})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.meta == nil {
		writeError(w, http.StatusNotImplemented, "metadata extraction not configured")
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	meta, err := s.meta.Extract(r.Context(), url)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.meta == nil {
		writeError(w, http.StatusNotImplemented, "metadata extraction not configured")
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	formats, err := s.meta.ListFormats(r.Context(), url)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, formats)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		current, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, current)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
