package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/model"
)

// execute runs exactly one export attempt and always produces exactly one
// result. The recover boundary converts any fault inside the pipeline into
// a normal failed result so a crashing export can never corrupt scheduler
// state or sibling jobs.
func (s *Scheduler) execute(ctx context.Context, job *model.Job, item model.DataItem) (res result) {
	res = result{job: job}
	defer func() {
		if r := recover(); r != nil {
			s.setStatus(job, model.JobFailed, fmt.Sprintf("panic: %v", r))
			res = result{job: job}
			s.log.WithFields(logrus.Fields{"job_id": job.ID, "panic": r}).Error("worker panicked")
		}
	}()

	s.log.WithFields(logrus.Fields{"job_id": job.ID, "source_id": job.SourceID}).Debug("starting job")

	oldFile := item.File
	updated, err := s.pipeline.Create(ctx, item.SourceID, item.TimeField, item.Delimiter)
	if err != nil {
		s.setStatus(job, model.JobFailed, err.Error())
		s.log.WithError(err).WithField("job_id", job.ID).Error("job failed")
		return res
	}

	// Retiring the superseded artifact is best effort; the new one is
	// already in place.
	if oldFile != "" {
		if err := s.pipeline.Remove(oldFile); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"job_id": job.ID,
				"file":   oldFile,
			}).Warn("could not remove old file")
		}
	}

	s.setStatus(job, model.JobFinished, "")
	s.log.WithField("job_id", job.ID).Debug("job completed successfully")
	res.item = updated
	return res
}
