// Package jobs schedules export attempts: deduplicating admission, a FIFO
// work queue and a bounded pool of isolated workers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/logging"
	"github.com/nicktill/exportd/pkg/model"
	"github.com/nicktill/exportd/pkg/storage"
)

// ErrNotFound is returned by GetJob for ids not in the in-memory pool.
// Terminal jobs live in the metadata store and must be looked up there.
var ErrNotFound = errors.New("job not found")

// ErrQueueFull is returned by Create when the work queue cannot accept
// another job.
var ErrQueueFull = errors.New("job queue full")

const queueCapacity = 1024

// Pipeline is the export side the scheduler drives: one full export per
// job, plus retirement of the superseded artifact.
type Pipeline interface {
	Create(ctx context.Context, sourceID, timeField, delimiter string) (*model.DataItem, error)
	Remove(fileName string) error
}

// Config tunes the scheduler. CheckInterval bounds every blocking wait in
// the control loop and is the sole knob trading scheduling latency against
// polling overhead.
type Config struct {
	MaxJobs       int
	CheckInterval time.Duration
}

type result struct {
	job  *model.Job
	item *model.DataItem
}

// Scheduler owns the in-memory job pool and the work queue. All pool
// mutation happens either under mu or on the control loop; callers only go
// through Create, GetJob and ListJobs.
type Scheduler struct {
	store    storage.Store
	pipeline Pipeline
	cfg      Config
	hub      *Hub
	log      *logrus.Entry

	mu   sync.Mutex
	pool map[string]*model.Job

	queue   chan string
	results chan result

	// active is touched only by the Run loop.
	active int
}

// NewScheduler creates a scheduler. hub may be nil to disable live updates.
func NewScheduler(store storage.Store, pipeline Pipeline, cfg Config, hub *Hub) *Scheduler {
	return &Scheduler{
		store:    store,
		pipeline: pipeline,
		cfg:      cfg,
		hub:      hub,
		log:      logging.Component("jobs"),
		pool:     make(map[string]*model.Job),
		queue:    make(chan string, queueCapacity),
		// Buffered to MaxJobs so a worker finishing after shutdown never
		// blocks on delivery.
		results: make(chan result, cfg.MaxJobs),
	}
}

// Create admits a job for a source. If a non-terminal job for the source
// already exists its id is returned instead of creating a duplicate, so at
// most one job per source is ever in flight.
func (s *Scheduler) Create(sourceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.pool {
		if job.SourceID == sourceID {
			s.log.WithField("source_id", sourceID).Debug("job for source already exists")
			return job.ID, nil
		}
	}

	job := &model.Job{
		ID:       model.NewToken(),
		SourceID: sourceID,
		Status:   model.JobCreated,
		Created:  model.Timestamp(),
	}
	select {
	case s.queue <- job.ID:
	default:
		return "", ErrQueueFull
	}
	s.pool[job.ID] = job
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "source_id": sourceID}).Info("created job")
	s.notify(*job)
	return job.ID, nil
}

// GetJob returns a snapshot of a non-terminal job.
func (s *Scheduler) GetJob(jobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.pool[jobID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return *job, nil
}

// ListJobs returns the ids of all queued and running jobs.
func (s *Scheduler) ListJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pool))
	for id := range s.pool {
		ids = append(ids, id)
	}
	return ids
}

// Run is the control loop. It admits queued jobs while worker slots are
// free and reaps finished workers; every wait is bounded by CheckInterval
// so neither side can starve the other. The loop only exits when ctx is
// cancelled; per-iteration errors are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"max_jobs":       s.cfg.MaxJobs,
		"check_interval": s.cfg.CheckInterval,
	}).Info("scheduler started")

	timer := time.NewTimer(s.cfg.CheckInterval)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.CheckInterval)

		if s.active < s.cfg.MaxJobs {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopped")
				return
			case jobID := <-s.queue:
				s.dispatch(ctx, jobID)
			case res := <-s.results:
				s.reap(res)
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopped")
				return
			case res := <-s.results:
				s.reap(res)
			case <-timer.C:
			}
		}
	}
}

// dispatch loads the source registration for a queued job and starts a
// worker for it. Lookup failures finalize the job immediately without
// consuming a worker slot.
func (s *Scheduler) dispatch(ctx context.Context, jobID string) {
	s.mu.Lock()
	job, ok := s.pool[jobID]
	s.mu.Unlock()
	if !ok {
		s.log.WithField("job_id", jobID).Warn("queued job vanished from pool")
		return
	}

	value, err := s.store.Get(storage.PrefixData, []byte(job.SourceID))
	if err != nil {
		s.setStatus(job, model.JobFailed, "source lookup failed: "+err.Error())
		s.finalize(result{job: job})
		return
	}
	var item model.DataItem
	if err := json.Unmarshal(value, &item); err != nil {
		s.setStatus(job, model.JobFailed, "source record malformed: "+err.Error())
		s.finalize(result{job: job})
		return
	}

	s.setStatus(job, model.JobRunning, "")
	s.active++
	go func() {
		s.results <- s.execute(ctx, job, item)
	}()
}

// reap consumes one worker result and releases its slot.
func (s *Scheduler) reap(res result) {
	s.active--
	s.finalize(res)
}

// finalize persists a terminal job record (and, only on success, the
// refreshed source registration) and drops the job from the pool. Store
// failures are logged; the loop must keep running.
func (s *Scheduler) finalize(res result) {
	s.mu.Lock()
	job := *res.job
	s.mu.Unlock()

	if value, err := json.Marshal(job); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("failed to encode job record")
	} else if err := s.store.Put(storage.PrefixJobs, []byte(job.ID), value); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("failed to persist job record")
	}

	// A failed attempt never overwrites the last good registration.
	if res.item != nil {
		if value, err := json.Marshal(res.item); err != nil {
			s.log.WithError(err).WithField("source_id", res.item.SourceID).Error("failed to encode source record")
		} else if err := s.store.Put(storage.PrefixData, []byte(res.item.SourceID), value); err != nil {
			s.log.WithError(err).WithField("source_id", res.item.SourceID).Error("failed to persist source record")
		}
	}

	s.mu.Lock()
	delete(s.pool, job.ID)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"status": job.Status,
	}).Info("job finalized")
}

// setStatus updates a pooled job under the lock and notifies the hub.
func (s *Scheduler) setStatus(job *model.Job, status model.JobStatus, reason string) {
	s.mu.Lock()
	job.Status = status
	job.Reason = reason
	snapshot := *job
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Scheduler) notify(job model.Job) {
	if s.hub != nil {
		s.hub.BroadcastJob(job)
	}
}
