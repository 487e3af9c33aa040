package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Serves the WS state feed and a few read-only JSON endpoints:
//   GET /ws           state feed (see state_ws.go)
//   GET /window       current sample window, oldest first
//   GET /predictions  recent journal rows (?limit=N, ?session=all)
//   GET /healthz      liveness plus a daemon snapshot
// ============================================================================

// PredictionLister reads recent predictions and per-label totals.
type PredictionLister interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]PredictionRecord, error)
	CountByLabel(ctx context.Context, sessionID string) (map[Label]int, error)
}

// apiHandlers holds what the read-only endpoints need.
type apiHandlers struct {
	ring      *SampleRing
	journal   PredictionLister // nil when the journal is disabled
	events    chan<- Event
	hub       *Hub
	sessionID string
	logger    *slog.Logger
}

type windowResponse struct {
	Size    int    `json:"size"`
	Filled  bool   `json:"filled"`
	Written uint64 `json:"written"`
	Window  Window `json:"window"`
}

type predictionsResponse struct {
	SessionID   string             `json:"session_id,omitempty"`
	Totals      map[Label]int      `json:"totals"`
	Predictions []PredictionRecord `json:"predictions"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	SessionID string          `json:"session_id"`
	Clients   int             `json:"ws_clients"`
	State     *wsSnapshotData `json:"state,omitempty"`
}

// newHTTPMux wires the endpoints. ws may be nil.
func newHTTPMux(h *apiHandlers, ws http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
	mux.HandleFunc("GET /window", h.handleWindow)
	mux.HandleFunc("GET /predictions", h.handlePredictions)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

// writeJSON marshals before writing the header so an encoding failure
// still produces a proper error response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("encode response: %v", err)})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *apiHandlers) handleWindow(w http.ResponseWriter, r *http.Request) {
	win, written := h.ring.Contents()
	writeJSON(w, http.StatusOK, windowResponse{
		Size:    win.Len(),
		Filled:  written >= uint64(win.Len()),
		Written: written,
		Window:  win,
	})
}

func (h *apiHandlers) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSONError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := defaultRecentRows
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	session := h.sessionID
	if r.URL.Query().Get("session") == "all" {
		session = ""
	}

	recs, err := h.journal.Recent(r.Context(), session, limit)
	if err != nil {
		h.logger.Error("journal query failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if recs == nil {
		recs = []PredictionRecord{}
	}

	totals, err := h.journal.CountByLabel(r.Context(), session)
	if err != nil {
		h.logger.Error("journal count failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	writeJSON(w, http.StatusOK, predictionsResponse{SessionID: session, Totals: totals, Predictions: recs})
}

func (h *apiHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", SessionID: h.sessionID}
	if h.hub != nil {
		resp.Clients = h.hub.Clients()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	snap, err := requestSnapshot(ctx, h.events)
	if err != nil {
		// The daemon loop is stuck or gone.
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	d := newWSSnapshotData(snap)
	resp.State = &d
	writeJSON(w, http.StatusOK, resp)
}

// runHTTPServer serves handler on port and shuts it down gracefully when ctx is canceled.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	listenAddr := fmt.Sprintf(":%d", port)
	logger.Info("http server listening", "port", port)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
