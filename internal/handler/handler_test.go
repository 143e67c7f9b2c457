package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipresence/internal/apperr"
	"ipresence/internal/catalog"
	"ipresence/internal/civil"
	"ipresence/internal/directory"
	"ipresence/internal/handler"
	"ipresence/internal/identity"
	"ipresence/internal/metrics"
	"ipresence/internal/model"
	"ipresence/internal/presence"
	"ipresence/internal/queue"
	"ipresence/internal/reporting"
	"ipresence/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var bukavu = time.FixedZone("CAT", 2*60*60)

type directoryFunc func(matricule string) (*model.Student, error)

func (f directoryFunc) FetchStudent(_ context.Context, matricule string) (*model.Student, error) {
	return f(matricule)
}

type env struct {
	router  *gin.Engine
	store   *memory.Store
	jobs    *queue.InMemory
	metrics *metrics.Metrics
}

func newEnv(t *testing.T, dir directoryFunc) *env {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 3, 4, 9, 0, 0, 0, bukavu) }
	store := memory.New()
	store.PutEntity(model.Entity{ID: 1, Title: "Faculté des Sciences", Label: "FS", Level: 1})
	entity := int64(1)
	store.PutPromotion(model.Promotion{ID: 3, Title: "L2 Informatique", Label: "L2", Level: 2, EntityID: &entity})
	promo := int64(3)
	store.PutCourse(model.Course{ID: 7, Title: "Réseaux", Code: "INF210", StartTime: civil.NewTimeOfDay(10, 0, 0),
		EndTime: civil.NewTimeOfDay(12, 0, 0), PromotionID: &promo, DayOfWeek: "monday", Active: true})
	require.NoError(t, store.UpsertStudent(context.Background(), model.Student{
		Matricule: "05/23.09319", Fullname: "Amani Bisimwa", Active: true, PromotionID: &promo,
	}))

	if dir == nil {
		dir = func(string) (*model.Student, error) { return nil, directory.ErrNotFound }
	}
	m := metrics.New(prometheus.NewRegistry())
	jobs := queue.NewInMemory(4)
	h := handler.New(handler.Deps{
		Students: identity.NewResolver(store, dir, zerolog.Nop(), m),
		Presences: presence.NewRecorder(store, presence.Options{
			DefaultStart: civil.NewTimeOfDay(8, 30, 0),
			Location:     bukavu,
			Now:          now,
		}, zerolog.Nop(), m),
		Stats:    reporting.NewReporter(store, bukavu, now),
		Catalog:  catalog.NewService(store),
		Jobs:     jobs,
		Metrics:  m,
		Log:      zerolog.Nop(),
		Location: bukavu,
		Now:      now,
	})
	r := gin.New()
	h.Register(r)
	return &env{router: r, store: store, jobs: jobs, metrics: m}
}

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	Code      int             `json:"code"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

func (e *env) do(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

func get(query string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/api?"+query, nil)
}

func postJSON(action, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api?action="+action, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestGetStudent(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.do(t, get("action=getStudent&matricule="+url.QueryEscape("05/23.09319")))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)
	assert.Equal(t, "Success", body.Message)
	assert.Equal(t, "2024-03-04T09:00:00+02:00", body.Timestamp)

	var st model.Student
	require.NoError(t, json.Unmarshal(body.Data, &st))
	assert.Equal(t, "Amani Bisimwa", st.Fullname)
	require.NotNil(t, st.PromotionTitle)
	assert.Equal(t, "L2 Informatique", *st.PromotionTitle)
}

func TestGetStudentErrors(t *testing.T) {
	tests := []struct {
		name  string
		dir   directoryFunc
		query string
		code  int
		msg   string
	}{
		{"missing matricule", nil, "action=getStudent", http.StatusBadRequest, "Matricule is required"},
		{"unknown everywhere", nil, "action=getStudent&matricule=X1", http.StatusNotFound, "Student not found"},
		{
			name: "upstream down",
			dir: func(string) (*model.Student, error) {
				return nil, fmt.Errorf("%w: dial tcp: connection refused", directory.ErrUnavailable)
			},
			query: "action=getStudent&matricule=X1",
			code:  http.StatusNotFound,
			msg:   "Student not found",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.dir)
			code, body := e.do(t, get(tc.query))
			assert.Equal(t, tc.code, code)
			assert.False(t, body.Success)
			assert.Equal(t, tc.msg, body.Error)
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, 1, e.store.StudentCount(), "no row created")
		})
	}
}

func TestGetStudentFromUpstream(t *testing.T) {
	e := newEnv(t, func(m string) (*model.Student, error) {
		return &model.Student{Matricule: m, Fullname: "Neema Furaha", Active: true}, nil
	})
	code, body := e.do(t, get("action=getStudent&matricule=05/22.11111"))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), "Neema Furaha")
	assert.Equal(t, 2, e.store.StudentCount())

	var st model.Student
	require.NoError(t, json.Unmarshal(body.Data, &st))
	assert.False(t, st.CreatedAt.IsZero(), "stored timestamps are served")
	assert.False(t, st.UpdatedAt.IsZero())
	assert.NotContains(t, string(body.Data), "0001-01-01")
}

func TestMarkPresence(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status model.Status
		time   string
	}{
		{"after default start", `{"matricule":"05/23.09319","time":"08:45:00"}`, model.StatusLate, "08:45:00"},
		{"exactly at start", `{"matricule":"05/23.09319","time":"08:30:00"}`, model.StatusOnTime, "08:30:00"},
		{"clock default", `{"matricule":"05/23.09319"}`, model.StatusLate, "09:00:00"},
		{"course threshold", `{"matricule":"05/23.09319","time":"09:59:59","course_id":7}`, model.StatusOnTime, "09:59:59"},
		{"course id as string", `{"matricule":"05/23.09319","time":"10:00:01","course_id":"7"}`, model.StatusLate, "10:00:01"},
		{"unknown course", `{"matricule":"05/23.09319","time":"09:00:00","course_id":99}`, model.StatusLate, "09:00:00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			code, body := e.do(t, postJSON("markPresence", tc.body))
			require.Equal(t, http.StatusOK, code, body.Error)

			var got struct {
				Message   string `json:"message"`
				Matricule string `json:"matricule"`
				Date      string `json:"date"`
				Time      string `json:"time"`
				Status    string `json:"status"`
			}
			require.NoError(t, json.Unmarshal(body.Data, &got))
			assert.Equal(t, "Presence marked successfully", got.Message)
			assert.Equal(t, "2024-03-04", got.Date)
			assert.Equal(t, tc.time, got.Time)
			assert.Equal(t, string(tc.status), got.Status)
			assert.Equal(t, 1, e.store.PresenceCount())
		})
	}
}

func TestMarkPresenceForm(t *testing.T) {
	e := newEnv(t, nil)
	form := url.Values{"matricule": {"05/23.09319"}, "date": {"2024-03-01"}, "time": {"08:00"}}
	req := httptest.NewRequest(http.MethodPost, "/api/api.php?action=markPresence", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	code, body := e.do(t, req)
	require.Equal(t, http.StatusOK, code, body.Error)
	assert.Contains(t, string(body.Data), `"status":"on_time"`)
	assert.Contains(t, string(body.Data), `"date":"2024-03-01"`)
}

func TestMarkPresenceRepeatKeepsOneRow(t *testing.T) {
	e := newEnv(t, nil)
	for _, tod := range []string{"08:00:00", "08:40:00"} {
		code, _ := e.do(t, postJSON("markPresence", `{"matricule":"05/23.09319","date":"2024-03-04","time":"`+tod+`"}`))
		require.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 1, e.store.PresenceCount())

	code, body := e.do(t, get("action=getPresences&matricule=05/23.09319"))
	require.Equal(t, http.StatusOK, code)
	var rows []model.Presence
	require.NoError(t, json.Unmarshal(body.Data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, model.StatusLate, rows[0].Status)
	require.NotNil(t, rows[0].Fullname)
	assert.Equal(t, "Amani Bisimwa", *rows[0].Fullname)
}

func TestMarkPresenceErrors(t *testing.T) {
	e := newEnv(t, nil)
	tests := []struct {
		name string
		req  *http.Request
		code int
		msg  string
	}{
		{"wrong method", get("action=markPresence&matricule=05/23.09319"), http.StatusMethodNotAllowed, "POST method required"},
		{"missing matricule", postJSON("markPresence", `{"time":"08:00:00"}`), http.StatusBadRequest, "Matricule is required"},
		{"unknown student", postJSON("markPresence", `{"matricule":"nobody"}`), http.StatusNotFound, "Student not found"},
		{"bad date", postJSON("markPresence", `{"matricule":"05/23.09319","date":"04/03/2024"}`), http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD"},
		{"bad time", postJSON("markPresence", `{"matricule":"05/23.09319","time":"late"}`), http.StatusBadRequest, "Invalid time, expected HH:MM:SS"},
		{"bad course", postJSON("markPresence", `{"matricule":"05/23.09319","course_id":"x"}`), http.StatusBadRequest, "Invalid course_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := e.do(t, tc.req)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.msg, body.Error)
		})
	}
	assert.Equal(t, 0, e.store.PresenceCount())
}

func TestMarkPresenceBodyTooLarge(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"matricule":"05/23.09319","note":"` + strings.Repeat("x", 2<<20) + `"}`

	code, resp := e.do(t, postJSON("markPresence", body))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Request body too large", resp.Error)
	assert.Equal(t, 0, e.store.PresenceCount())
}

func TestGetStatsDefaultsToCurrentMonth(t *testing.T) {
	e := newEnv(t, nil)
	code, _ := e.do(t, postJSON("markPresence", `{"matricule":"05/23.09319","time":"08:00:00"}`))
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, get("action=getStats"))
	require.Equal(t, http.StatusOK, code)
	var stats model.Stats
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	assert.Equal(t, "2024-03-01", stats.Period.StartDate.String())
	assert.Equal(t, "2024-03-31", stats.Period.EndDate.String())
	assert.Equal(t, 1, stats.Global.TotalPresences)
	assert.Equal(t, 1, stats.Global.OnTimeCount)
	require.Len(t, stats.ByPromotion, 1)
	assert.Equal(t, "L2 Informatique", stats.ByPromotion[0].Promotion)

	code, body = e.do(t, get("action=getStats&start_date=2024-04-01&end_date=2024-03-01"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "start_date must not be after end_date", body.Error)

	code, _ = e.do(t, get("action=getStats&start_date=yesterday"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCatalogActions(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.do(t, get("action=getStructure"))
	require.Equal(t, http.StatusOK, code)
	var s model.Structure
	require.NoError(t, json.Unmarshal(body.Data, &s))
	assert.Len(t, s.Promotions, 1)
	assert.Len(t, s.Entities, 1)

	code, body = e.do(t, get("action=getStudents&promotion_id=3&search=amani"))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), "05/23.09319")

	code, body = e.do(t, get("action=getCourses&day_of_week=monday"))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), "INF210")

	code, _ = e.do(t, get("action=getStudents&promotion_id=abc"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRefreshStudentEnqueues(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.do(t, postJSON("refreshStudent", `{"matricule":"05/23.09319"}`))
	require.Equal(t, http.StatusAccepted, code)
	var got struct {
		JobID     string `json:"job_id"`
		Matricule string `json:"matricule"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &got))
	assert.Equal(t, "05/23.09319", got.Matricule)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := e.jobs.Consume(ctx)
	require.NoError(t, err)
	select {
	case job := <-ch:
		assert.Equal(t, got.JobID, job.ID)
		assert.Equal(t, queue.TypeStudentRefresh, job.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("job not enqueued")
	}

	code, _ = e.do(t, get("action=refreshStudent&matricule=05/23.09319"))
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = e.do(t, postJSON("refreshStudent", `{}`))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInvalidActionIsCounted(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.do(t, get("action=dropTables"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid action", body.Error)

	code, _ = e.do(t, get(""))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1, testutil.CollectAndCount(e.metrics.RequestDuration))
}

type brokenStats struct{}

func (brokenStats) Stats(context.Context, *civil.Date, *civil.Date) (model.Stats, error) {
	return model.Stats{}, apperr.E(apperr.StorageFailure, "aggregate presences", errors.New("pq: relation \"presences\" does not exist"))
}

func TestStorageFailureHidesDetail(t *testing.T) {
	h := handler.New(handler.Deps{Stats: brokenStats{}, Log: zerolog.Nop()})
	r := gin.New()
	h.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, get("action=getStats"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"Internal server error"`)
	assert.NotContains(t, w.Body.String(), "relation")
}

func TestHealth(t *testing.T) {
	r := gin.New()
	r.GET("/healthz", handler.Health(time.Second,
		handler.Check{Name: "db", Critical: true, Probe: func(context.Context) error { return nil }},
		handler.Check{Name: "upstream", Probe: func(context.Context) error { return errors.New("timeout") }},
	))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"upstream":"timeout"`)

	r = gin.New()
	r.GET("/healthz", handler.Health(time.Second,
		handler.Check{Name: "db", Critical: true, Probe: func(context.Context) error { return errors.New("refused") }},
	))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}
