package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipresence/internal/apperr"
	"ipresence/internal/metrics"
	"ipresence/internal/model"
	"ipresence/internal/queue"
)

type fakeRefresher struct {
	mu   sync.Mutex
	seen []string
	errs map[string]error
	done chan struct{}
}

func (f *fakeRefresher) Refresh(_ context.Context, matricule string) (model.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, matricule)
	defer func() { f.done <- struct{}{} }()
	if err := f.errs[matricule]; err != nil {
		return model.Student{}, err
	}
	return model.Student{Matricule: matricule, Fullname: "Refreshed"}, nil
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := queue.NewInMemory(8)
	ref := &fakeRefresher{
		errs: map[string]error{
			"gone": apperr.E(apperr.NotFound, "Student not found", nil),
			"down": apperr.E(apperr.UpstreamUnavailable, "Upstream directory unavailable", nil),
		},
		done: make(chan struct{}, 8),
	}
	m := metrics.New(prometheus.NewRegistry())
	w := New(q, ref, zerolog.Nop(), m, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"05/23.09319", "gone", "down"} {
		require.NoError(t, q.Publish(ctx, queue.NewRefreshJob(id)))
	}
	require.NoError(t, q.Publish(ctx, queue.Job{ID: "x", Type: "student.delete", Matricule: "05/23.09319"}))

	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-ref.done:
		case <-time.After(2 * time.Second):
			t.Fatal("job not processed")
		}
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RefreshJobs.WithLabelValues("skipped")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, []string{"05/23.09319", "gone", "down"}, ref.seen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshJobs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshJobs.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshJobs.WithLabelValues("unavailable")))
}
