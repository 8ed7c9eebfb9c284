package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/httpx"
	"github.com/nicktill/exportd/pkg/logging"
	"github.com/nicktill/exportd/pkg/storage"
)

const (
	wsReadDeadline = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a direct, non-browser connection.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler serves the job endpoints.
type Handler struct {
	scheduler *Scheduler
	store     storage.Store
	hub       *Hub
	log       *logrus.Entry
}

// NewHandler creates a jobs handler. hub may be nil when live updates are
// disabled.
func NewHandler(scheduler *Scheduler, store storage.Store, hub *Hub) *Handler {
	return &Handler{scheduler: scheduler, store: store, hub: hub, log: logging.Component("jobs-api")}
}

// HandleCreate handles POST /v1/jobs. Admission is idempotent per source:
// if a non-terminal job for the source exists, its id is returned.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceID string `json:"source_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if body.SourceID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "source_id is required")
		return
	}

	if _, err := h.store.Get(storage.PrefixData, []byte(body.SourceID)); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", body.SourceID))
			return
		}
		h.log.WithError(err).Error("failed to look up source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	jobID, err := h.scheduler.Create(body.SourceID)
	if err != nil {
		h.log.WithError(err).Error("failed to create job")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

// HandleList handles GET /v1/jobs: active job ids plus persisted history.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	history, err := h.store.ListKeys(storage.PrefixJobs)
	if err != nil {
		h.log.WithError(err).Error("failed to list job history")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"current": h.scheduler.ListJobs(),
		"history": history,
	})
}

// HandleGet handles GET /v1/jobs/{job_id}. Active jobs come from the
// scheduler pool; terminal jobs from the metadata store.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	job, err := h.scheduler.GetJob(jobID)
	if err == nil {
		httpx.RespondJSON(w, http.StatusOK, job)
		return
	}
	if !errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	value, err := h.store.Get(storage.PrefixJobs, []byte(jobID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", jobID))
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to read job record")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondRaw(w, http.StatusOK, value)
}

// HandleWebSocket handles GET /v1/jobs/ws and streams job status updates.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		httpx.RespondErrorString(w, http.StatusNotFound, "live updates disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.hub.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Ping keeps idle connections alive.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(hubWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.hub.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	// Read loop only services control frames and detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Debug("websocket closed")
			}
			break
		}
	}
}
