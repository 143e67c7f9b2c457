// Package presence records student presence marks and classifies them as
// on time or late.
package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ipresence/internal/apperr"
	"ipresence/internal/civil"
	"ipresence/internal/metrics"
	"ipresence/internal/model"
)

// ErrCourseNotFound is returned by a Store when no course matches.
var ErrCourseNotFound = errors.New("course not found")

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects presences for List. Start/End apply only when both are set.
type Filter struct {
	Matricule string
	Date      *civil.Date
	Start     *civil.Date
	End       *civil.Date
	Limit     int
	Offset    int
}

// Store persists presences and exposes the lookups a mark needs.
type Store interface {
	StudentExists(ctx context.Context, matricule string) (bool, error)
	GetCourse(ctx context.Context, id int64) (model.Course, error)
	// UpsertPresence inserts p or, when a row with the same
	// (matricule, date, course) exists, overwrites its time and status.
	UpsertPresence(ctx context.Context, p model.Presence) (model.Presence, error)
	ListPresences(ctx context.Context, f Filter) ([]model.Presence, error)
}

// Clock returns the current instant.
type Clock func() time.Time

// Options tune a Recorder.
type Options struct {
	// DefaultStart is the threshold when no active course applies.
	DefaultStart civil.TimeOfDay
	// Location is the civil time zone of the school.
	Location *time.Location
	Now      Clock
}

// Mark is one presence request. Nil Date/Time default to the clock.
type Mark struct {
	Matricule string
	Date      *civil.Date
	Time      *civil.TimeOfDay
	CourseID  *int64
}

// Result echoes the effective values of a recorded mark.
type Result struct {
	Matricule string          `json:"matricule"`
	Date      civil.Date      `json:"date"`
	Time      civil.TimeOfDay `json:"time"`
	Status    model.Status    `json:"status"`
}

// Recorder marks presences.
type Recorder struct {
	store   Store
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewRecorder wires a recorder. m may be nil.
func NewRecorder(store Store, opts Options, log zerolog.Logger, m *metrics.Metrics) *Recorder {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:   store,
		opts:    opts,
		log:     log.With().Str("component", "presence").Logger(),
		metrics: m,
	}
}

// Classify returns late iff t is strictly after threshold.
func Classify(t, threshold civil.TimeOfDay) model.Status {
	if t > threshold {
		return model.StatusLate
	}
	return model.StatusOnTime
}

// Mark records a presence. The student must already be known locally.
func (r *Recorder) Mark(ctx context.Context, m Mark) (Result, error) {
	m.Matricule = strings.TrimSpace(m.Matricule)
	if m.Matricule == "" {
		return Result{}, apperr.E(apperr.InvalidInput, "Matricule is required", nil)
	}
	date, tod := r.defaults(m)

	ok, err := r.store.StudentExists(ctx, m.Matricule)
	if err != nil {
		return Result{}, apperr.E(apperr.StorageFailure, "check student", err)
	}
	if !ok {
		return Result{}, apperr.E(apperr.NotFound, "Student not found", nil)
	}

	threshold, err := r.threshold(ctx, m.CourseID)
	if err != nil {
		return Result{}, err
	}
	status := Classify(tod, threshold)

	_, err = r.store.UpsertPresence(ctx, model.Presence{
		Matricule: m.Matricule,
		Date:      date,
		Time:      tod,
		Status:    status,
		CourseID:  m.CourseID,
	})
	if err != nil {
		return Result{}, apperr.E(apperr.StorageFailure, "upsert presence", err)
	}
	r.metrics.Presence(string(status))
	r.log.Debug().
		Str("matricule", m.Matricule).
		Str("date", date.String()).
		Str("time", tod.String()).
		Str("threshold", threshold.String()).
		Str("status", string(status)).
		Msg("presence marked")

	return Result{Matricule: m.Matricule, Date: date, Time: tod, Status: status}, nil
}

// defaults fills missing date and time from the clock in the school's zone.
func (r *Recorder) defaults(m Mark) (civil.Date, civil.TimeOfDay) {
	now := r.opts.Now().In(r.opts.Location)
	date := civil.DateOf(now)
	if m.Date != nil {
		date = *m.Date
	}
	tod := civil.TimeOf(now)
	if m.Time != nil {
		tod = *m.Time
	}
	return date, tod
}

// threshold resolves the start time a mark is compared against. Unknown or
// inactive courses fall back to the default start.
func (r *Recorder) threshold(ctx context.Context, courseID *int64) (civil.TimeOfDay, error) {
	if courseID == nil {
		return r.opts.DefaultStart, nil
	}
	c, err := r.store.GetCourse(ctx, *courseID)
	switch {
	case errors.Is(err, ErrCourseNotFound):
		r.log.Info().Int64("course_id", *courseID).Msg("unknown course, using default start time")
		return r.opts.DefaultStart, nil
	case err != nil:
		return 0, apperr.E(apperr.StorageFailure, "lookup course", err)
	case !c.Active:
		return r.opts.DefaultStart, nil
	}
	return c.StartTime, nil
}

// List returns presences matching f, newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]model.Presence, error) {
	f.Matricule = strings.TrimSpace(f.Matricule)
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Start == nil || f.End == nil {
		f.Start, f.End = nil, nil
	}
	out, err := r.store.ListPresences(ctx, f)
	if err != nil {
		return nil, apperr.E(apperr.StorageFailure, "list presences", err)
	}
	if out == nil {
		out = []model.Presence{}
	}
	return out, nil
}
