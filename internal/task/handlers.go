package task

import (
	"encoding/json"
	"errors"
	"net/http"

	"hls-offline/internal/store"
)

func (m *Manager) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := m.ListDownloads(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (m *Manager) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Invalid ID", 400)
		return
	}
	title, err := m.GetDownloadedTitle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	usage, err := m.store.TitleUsage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	e := Entry{Title: *title, Usage: usage}
	if snap, ok := m.Progress(id); ok {
		e.Task = &snap
	}
	writeJSON(w, http.StatusOK, e)
}

type addRequest struct {
	ID      string `json:"id"`
	Quality string `json:"quality"`
	Metadata
}

// HandleAdd initializes the download synchronously so manifest errors reach
// the caller, then runs the segment loop in the background.
func (m *Manager) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var body addRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if body.ID == "" {
		http.Error(w, "Missing id", 400)
		return
	}

	sel, err := m.InitializeDownload(r.Context(), body.ID, body.Metadata, body.Quality)
	if err != nil {
		writeError(w, err)
		return
	}
	m.startBackground(sel)
	writeJSON(w, http.StatusAccepted, sel)
}

func (m *Manager) startBackground(sel *Selection) {
	go func() {
		if _, err := m.DownloadSegments(m.BaseContext, sel.TitleID, sel.PlaylistURL, sel.Index); err != nil {
			m.logger.Error("background download stopped", "title", sel.TitleID, "err", err)
		}
	}()
}

func (m *Manager) HandlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.PauseDownload(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(200)
}

// HandleResume unpauses a live download, or restarts the segment loop of
// an interrupted one.
func (m *Manager) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.ResumeDownload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if !m.Running(id) {
		sel, err := m.Selection(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		m.startBackground(sel)
	}
	w.WriteHeader(200)
}

func (m *Manager) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.CancelDownload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(200)
}

func (m *Manager) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.DeleteDownload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(200)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps orchestrator errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrTitleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyDownloaded),
		errors.Is(err, ErrDownloadInProgress),
		errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrNoActiveDownload):
		status = http.StatusNotFound
	case errors.Is(err, ErrManifestFailure):
		status = http.StatusBadGateway
	case errors.Is(err, ErrCancelled):
		status = http.StatusGone
	}
	http.Error(w, err.Error(), status)
}
