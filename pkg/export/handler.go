package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/httpx"
	"github.com/nicktill/exportd/pkg/logging"
	"github.com/nicktill/exportd/pkg/model"
	"github.com/nicktill/exportd/pkg/storage"
)

// Handler serves the source registration endpoints.
type Handler struct {
	store    storage.Store
	exporter *Exporter
	log      *logrus.Entry
}

// NewHandler creates a registration handler.
func NewHandler(store storage.Store, exporter *Exporter) *Handler {
	return &Handler{store: store, exporter: exporter, log: logging.Component("data-api")}
}

// HandleList handles GET /v1/data and returns all registered source ids.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListKeys(storage.PrefixData)
	if err != nil {
		h.log.WithError(err).Error("failed to list sources")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, ids)
}

// HandleCreate handles POST /v1/data. Registering an already known source
// returns 200 without modifying it; a new complete registration returns 201.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var item model.DataItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	existing, err := h.store.Get(storage.PrefixData, []byte(item.SourceID))
	if err == nil {
		httpx.RespondRaw(w, http.StatusOK, existing)
		return
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		h.log.WithError(err).Error("failed to look up source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	if item.SourceID == "" || item.TimeField == "" || item.Delimiter == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "incomplete request: source_id, time_field and delimiter are required")
		return
	}

	value, err := json.Marshal(item)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.store.Put(storage.PrefixData, []byte(item.SourceID), value); err != nil {
		h.log.WithError(err).Error("failed to store source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	h.log.WithField("source_id", item.SourceID).Info("registered source")
	httpx.RespondJSON(w, http.StatusCreated, item)
}

// HandleGet handles GET /v1/data/{source_id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source_id"]
	value, err := h.store.Get(storage.PrefixData, []byte(sourceID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", sourceID))
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to read source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondRaw(w, http.StatusOK, value)
}

// HandleDelete handles DELETE /v1/data/{source_id}. The registration is
// removed first; retiring its artifact is best effort.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source_id"]
	value, err := h.store.Get(storage.PrefixData, []byte(sourceID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", sourceID))
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to read source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	var item model.DataItem
	if err := json.Unmarshal(value, &item); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.store.Delete(storage.PrefixData, []byte(sourceID)); err != nil {
		h.log.WithError(err).Error("failed to delete source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if item.File != "" {
		if err := h.exporter.Remove(item.File); err != nil {
			h.log.WithError(err).WithField("file", item.File).Warn("could not remove artifact")
		}
	}
	h.log.WithField("source_id", sourceID).Info("removed source")
	w.WriteHeader(http.StatusOK)
}

// HandleFile handles GET /v1/data/{source_id}/file and streams the current
// artifact.
func (h *Handler) HandleFile(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source_id"]
	value, err := h.store.Get(storage.PrefixData, []byte(sourceID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", sourceID))
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to read source")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	var item model.DataItem
	if err := json.Unmarshal(value, &item); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if item.File == "" {
		httpx.RespondErrorString(w, http.StatusNotFound, "source has no export yet")
		return
	}

	file, size, err := h.exporter.Open(item.File)
	if os.IsNotExist(err) {
		httpx.RespondErrorString(w, http.StatusNotFound, "artifact missing")
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to open artifact")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", item.File))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		h.log.WithError(err).Warn("artifact download aborted")
	}
}
