package jobs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/exportd/pkg/model"
	"github.com/nicktill/exportd/pkg/storage"
	"github.com/nicktill/exportd/pkg/storage/memory"
)

func newTestRouter(t *testing.T) (*mux.Router, *Scheduler, storage.Store) {
	t.Helper()
	store := memory.New()
	scheduler := NewScheduler(store, &fakePipeline{}, Config{MaxJobs: 1, CheckInterval: time.Second}, nil)
	handler := NewHandler(scheduler, store, nil)

	router := mux.NewRouter()
	router.HandleFunc("/v1/jobs", handler.HandleCreate).Methods("POST")
	router.HandleFunc("/v1/jobs", handler.HandleList).Methods("GET")
	router.HandleFunc("/v1/jobs/ws", handler.HandleWebSocket).Methods("GET")
	router.HandleFunc("/v1/jobs/{job_id}", handler.HandleGet).Methods("GET")
	return router, scheduler, store
}

func postJob(t *testing.T, router *mux.Router, sourceID string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"source_id": sourceID})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/v1/jobs", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleCreate_UnknownSource(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := postJob(t, router, "never-registered")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCreate_MissingSourceID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := postJob(t, router, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreate_AdmitsJob(t *testing.T) {
	router, scheduler, store := newTestRouter(t)
	registerSource(t, store, "plant-7", "")

	rec := postJob(t, router, "plant-7")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["job_id"])

	job, err := scheduler.GetJob(body["job_id"])
	require.NoError(t, err)
	require.Equal(t, "plant-7", job.SourceID)

	// Resubmitting while the job is pending returns the same id.
	rec = postJob(t, router, "plant-7")
	require.Equal(t, http.StatusOK, rec.Code)
	var again map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.Equal(t, body["job_id"], again["job_id"])
}

func TestHandleGet_ActiveAndTerminal(t *testing.T) {
	router, scheduler, store := newTestRouter(t)
	registerSource(t, store, "plant-7", "")

	activeID, err := scheduler.Create("plant-7")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/jobs/"+activeID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var job model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, model.JobCreated, job.Status)

	// Terminal jobs are served from the store.
	terminal := model.Job{ID: "done-1", SourceID: "plant-7", Status: model.JobFinished, Created: model.Timestamp()}
	value, err := json.Marshal(terminal)
	require.NoError(t, err)
	require.NoError(t, store.Put(storage.PrefixJobs, []byte(terminal.ID), value))

	req = httptest.NewRequest("GET", "/v1/jobs/done-1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, model.JobFinished, job.Status)

	req = httptest.NewRequest("GET", "/v1/jobs/no-such-job", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleList_SplitsCurrentAndHistory(t *testing.T) {
	router, scheduler, store := newTestRouter(t)
	registerSource(t, store, "plant-7", "")

	activeID, err := scheduler.Create("plant-7")
	require.NoError(t, err)

	terminal := model.Job{ID: "done-1", SourceID: "plant-8", Status: model.JobFailed, Created: model.Timestamp()}
	value, err := json.Marshal(terminal)
	require.NoError(t, err)
	require.NoError(t, store.Put(storage.PrefixJobs, []byte(terminal.ID), value))

	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Current []string `json:"current"`
		History []string `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{activeID}, body.Current)
	require.Equal(t, []string{"done-1"}, body.History)
}

func TestHandleWebSocket_DisabledWithoutHub(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/v1/jobs/ws", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
