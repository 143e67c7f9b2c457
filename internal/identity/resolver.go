// Package identity resolves students from the local store, falling back to
// the upstream directory and persisting what it finds.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ipresence/internal/apperr"
	"ipresence/internal/directory"
	"ipresence/internal/metrics"
	"ipresence/internal/model"
)

// ErrStudentNotFound is returned by a Store when no row matches.
var ErrStudentNotFound = errors.New("student not found")

// Store is the local student table.
type Store interface {
	GetStudent(ctx context.Context, matricule string) (model.Student, error)
	// UpsertStudent inserts s or replaces every field of the existing row
	// with the same matricule, atomically.
	UpsertStudent(ctx context.Context, s model.Student) error
}

// Directory is the upstream system of record.
type Directory interface {
	FetchStudent(ctx context.Context, matricule string) (*model.Student, error)
}

// Resolver implements lookup-then-fallback-then-reconcile.
type Resolver struct {
	store   Store
	dir     Directory
	log     zerolog.Logger
	metrics *metrics.Metrics
	flight  singleflight.Group
}

// NewResolver wires a resolver. m may be nil.
func NewResolver(store Store, dir Directory, log zerolog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		dir:     dir,
		log:     log.With().Str("component", "identity").Logger(),
		metrics: m,
	}
}

// Resolve returns the student known by matricule. A local record always
// wins; otherwise the upstream copy is persisted and returned. Upstream
// outages surface as NotFound and are only distinguishable in logs and
// metrics.
func (r *Resolver) Resolve(ctx context.Context, matricule string) (model.Student, error) {
	matricule = strings.TrimSpace(matricule)
	if matricule == "" {
		return model.Student{}, apperr.E(apperr.InvalidInput, "Matricule is required", nil)
	}

	st, err := r.store.GetStudent(ctx, matricule)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrStudentNotFound) {
		return model.Student{}, apperr.E(apperr.StorageFailure, "lookup student", err)
	}

	st, err = r.shared(ctx, matricule)
	if apperr.Is(err, apperr.UpstreamUnavailable) {
		return model.Student{}, apperr.E(apperr.NotFound, "Student not found", err)
	}
	return st, err
}

// Refresh re-reads matricule upstream and overwrites the local copy. Unlike
// Resolve it reports upstream outages as UpstreamUnavailable.
func (r *Resolver) Refresh(ctx context.Context, matricule string) (model.Student, error) {
	matricule = strings.TrimSpace(matricule)
	if matricule == "" {
		return model.Student{}, apperr.E(apperr.InvalidInput, "Matricule is required", nil)
	}
	return r.shared(ctx, matricule)
}

// shared runs one upstream fetch per matricule for all concurrent callers.
// The fetch is detached from any single caller's cancellation and bounded by
// the directory timeout; each caller still stops waiting when its own ctx ends.
func (r *Resolver) shared(ctx context.Context, matricule string) (model.Student, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(matricule, func() (any, error) {
		return r.fetchAndStore(detached, matricule)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Student{}, res.Err
		}
		return res.Val.(model.Student), nil
	case <-ctx.Done():
		return model.Student{}, apperr.E(apperr.UpstreamUnavailable, "Lookup cancelled", ctx.Err())
	}
}

func (r *Resolver) fetchAndStore(ctx context.Context, matricule string) (model.Student, error) {
	logger := r.log.With().Str("matricule", matricule).Logger()

	remote, err := r.dir.FetchStudent(ctx, matricule)
	switch {
	case errors.Is(err, directory.ErrNotFound) || (err == nil && remote == nil):
		r.metrics.Upstream("miss")
		logger.Info().Str("outcome", "miss").Msg("student absent upstream")
		return model.Student{}, apperr.E(apperr.NotFound, "Student not found", nil)
	case err != nil:
		r.metrics.Upstream("unavailable")
		logger.Warn().Err(err).Str("outcome", "unavailable").Msg("upstream directory lookup failed")
		return model.Student{}, apperr.E(apperr.UpstreamUnavailable, "Upstream directory unavailable", err)
	}
	r.metrics.Upstream("hit")

	// The local row is keyed by the requested matricule even if upstream
	// echoes a differently formatted identifier.
	remote.Matricule = matricule
	if err := r.store.UpsertStudent(ctx, *remote); err != nil {
		return model.Student{}, apperr.E(apperr.StorageFailure, "persist student", err)
	}
	logger.Info().Str("outcome", "hit").Msg("student resolved upstream and stored")

	st, err := r.store.GetStudent(ctx, matricule)
	if err != nil {
		return model.Student{}, apperr.E(apperr.StorageFailure, "reload student", err)
	}
	return st, nil
}
