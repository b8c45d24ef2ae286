package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finsight-ai/finsight-agent/internal/middleware"
	"github.com/finsight-ai/finsight-agent/internal/models"
	"github.com/finsight-ai/finsight-agent/internal/streaming"
)

// runTimeout bounds one whole research run after the HTTP request that
// started it has already returned.
const runTimeout = 10 * time.Minute

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler holds research HTTP handlers.
type Handler struct {
	orch      *Orchestrator
	runs      RunStore
	files     FileStore
	status    StatusStore
	events    *streaming.Manager
	subBuffer int
	logger    *zap.Logger
}

func NewHandler(orch *Orchestrator, runs RunStore, files FileStore, status StatusStore, events *streaming.Manager, subBuffer int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subBuffer <= 0 {
		subBuffer = 64
	}
	return &Handler{orch: orch, runs: runs, files: files, status: status, events: events, subBuffer: subBuffer, logger: logger}
}

// Create accepts a research request, starts the run in the background, and
// returns its ID immediately; clients follow progress over the SSE stream.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	var req models.ResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Statement) == "" {
		http.Error(w, `{"error":"statement is required"}`, http.StatusBadRequest)
		return
	}
	if req.APIKey == "" {
		http.Error(w, `{"error":"api_key is required"}`, http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		h.orch.Execute(ctx, runID, userID, req)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": models.RunPending,
	})
}

// Stream serves a run's live feed over Server-Sent Events, replaying missed
// events when the client reconnects with a Last-Event-ID.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.events.Subscribe(runID, h.subBuffer)
	defer h.events.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	for _, evt := range h.events.ReplaySince(runID, lastID) {
		writeSSE(w, evt)
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Type == streaming.EventDone {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", evt.Seq)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}

// Status returns the live status of a run from Redis.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	status, err := h.status.Get(r.Context(), runID)
	if err != nil {
		http.Error(w, `{"error":"status lookup failed"}`, http.StatusInternalServerError)
		return
	}
	if status == "" {
		http.Error(w, `{"error":"unknown run"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": status})
}

// List returns all runs for the current user.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	runs, err := h.runs.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Get returns a single completed run.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.runs.GetByRunID(r.Context(), runID)
	if err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Delete removes a run, its stored answer artifact, and its event history.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.runs.GetByRunID(r.Context(), runID)
	if err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	if run.AnswerObjectKey != "" {
		h.files.Remove(r.Context(), run.AnswerObjectKey)
	}
	if err := h.runs.Delete(r.Context(), runID); err != nil {
		http.Error(w, `{"error":"delete failed"}`, http.StatusInternalServerError)
		return
	}
	h.events.Forget(runID)

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"message":"deleted"}`))
}

// DownloadAnswer streams the stored answer markdown for a completed run.
func (h *Handler) DownloadAnswer(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.runs.GetByRunID(r.Context(), runID)
	if err != nil || run.AnswerObjectKey == "" {
		http.Error(w, `{"error":"answer not available"}`, http.StatusNotFound)
		return
	}
	h.streamObject(w, r, run.AnswerObjectKey, "attachment; filename=answer.md")
}

// DownloadDocument streams a cited source document. This endpoint is the
// target resolved citation links point at; page and highlight arrive as
// query parameters for the client-side viewer and are ignored here.
func (h *Handler) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" || strings.Contains(key, "..") {
		http.Error(w, `{"error":"invalid document path"}`, http.StatusBadRequest)
		return
	}
	h.streamObject(w, r, key, "")
}

func (h *Handler) streamObject(w http.ResponseWriter, r *http.Request, key, disposition string) {
	obj, ct, err := h.files.DownloadStream(r.Context(), key)
	if err != nil {
		h.logger.Warn("object download failed", zap.String("key", key), zap.Error(err))
		http.Error(w, `{"error":"download failed"}`, http.StatusNotFound)
		return
	}
	defer obj.Close()

	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	io.Copy(w, obj)
}
