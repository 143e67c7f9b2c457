// Package worker consumes background jobs published by the API.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ipresence/internal/apperr"
	"ipresence/internal/metrics"
	"ipresence/internal/model"
	"ipresence/internal/queue"
)

// Refresher re-reads a student from the upstream directory.
type Refresher interface {
	Refresh(ctx context.Context, matricule string) (model.Student, error)
}

// Worker drains student refresh jobs.
type Worker struct {
	jobs     queue.Queue
	students Refresher
	log      zerolog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// New builds a worker; timeout bounds a single job (0 means no bound).
func New(jobs queue.Queue, students Refresher, log zerolog.Logger, m *metrics.Metrics, timeout time.Duration) *Worker {
	return &Worker{
		jobs:     jobs,
		students: students,
		log:      log.With().Str("component", "worker").Logger(),
		metrics:  m,
		timeout:  timeout,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	jobs, err := w.jobs.Consume(ctx)
	if err != nil {
		return err
	}
	w.log.Info().Msg("worker started, waiting for jobs")
	for job := range jobs {
		w.handle(ctx, job)
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, job queue.Job) {
	logger := w.log.With().Str("job_id", job.ID).Str("matricule", job.Matricule).Logger()
	if job.Type != queue.TypeStudentRefresh {
		w.metrics.Refresh("skipped")
		logger.Warn().Str("type", job.Type).Msg("unknown job type")
		return
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	st, err := w.students.Refresh(ctx, job.Matricule)
	if err != nil {
		result := "failed"
		switch apperr.KindOf(err) {
		case apperr.NotFound:
			result = "not_found"
		case apperr.UpstreamUnavailable:
			result = "unavailable"
		case apperr.InvalidInput:
			result = "invalid"
		}
		w.metrics.Refresh(result)
		logger.Warn().Err(err).Str("result", result).Msg("refresh failed")
		return
	}
	w.metrics.Refresh("ok")
	logger.Info().Str("fullname", st.Fullname).Msg("student refreshed")
}
