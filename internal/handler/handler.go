// Package handler exposes the attendance operations behind a single
// action-dispatched endpoint.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ipresence/internal/apperr"
	"ipresence/internal/catalog"
	"ipresence/internal/civil"
	"ipresence/internal/metrics"
	"ipresence/internal/model"
	"ipresence/internal/presence"
	"ipresence/internal/queue"
)

// StudentResolver finds a student locally or upstream.
type StudentResolver interface {
	Resolve(ctx context.Context, matricule string) (model.Student, error)
}

// PresenceService records and lists presences.
type PresenceService interface {
	Mark(ctx context.Context, m presence.Mark) (presence.Result, error)
	List(ctx context.Context, f presence.Filter) ([]model.Presence, error)
}

// StatsService aggregates presences over a period.
type StatsService interface {
	Stats(ctx context.Context, start, end *civil.Date) (model.Stats, error)
}

// CatalogService lists the academic structure.
type CatalogService interface {
	Structure(ctx context.Context) (model.Structure, error)
	Students(ctx context.Context, f catalog.StudentFilter) ([]model.Student, error)
	Courses(ctx context.Context, f catalog.CourseFilter) ([]model.Course, error)
}

// JobPublisher enqueues background jobs.
type JobPublisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

// Deps are the services behind the endpoint. Metrics, Location and Now are
// optional.
type Deps struct {
	Students  StudentResolver
	Presences PresenceService
	Stats     StatsService
	Catalog   CatalogService
	Jobs      JobPublisher
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Location  *time.Location
	Now       func() time.Time
}

// Handler dispatches ?action= requests.
type Handler struct {
	students  StudentResolver
	presences PresenceService
	stats     StatsService
	catalog   CatalogService
	jobs      JobPublisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	loc       *time.Location
	now       func() time.Time
	actions   map[string]action
}

type action struct {
	method string // empty accepts any method
	fn     func(*gin.Context)
}

func New(d Deps) *Handler {
	h := &Handler{
		students:  d.Students,
		presences: d.Presences,
		stats:     d.Stats,
		catalog:   d.Catalog,
		jobs:      d.Jobs,
		metrics:   d.Metrics,
		log:       d.Log.With().Str("component", "http").Logger(),
		loc:       d.Location,
		now:       d.Now,
	}
	if h.loc == nil {
		h.loc = time.Local
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.actions = map[string]action{
		"getStudent":     {fn: h.getStudent},
		"markPresence":   {method: http.MethodPost, fn: h.markPresence},
		"getPresences":   {fn: h.getPresences},
		"getStats":       {fn: h.getStats},
		"getStructure":   {fn: h.getStructure},
		"getStudents":    {fn: h.getStudents},
		"getCourses":     {fn: h.getCourses},
		"refreshStudent": {method: http.MethodPost, fn: h.refreshStudent},
	}
	return h
}

// Register mounts the dispatcher on /api and on the legacy /api/api.php path.
func (h *Handler) Register(r gin.IRouter) {
	r.Any("/api", h.Dispatch)
	r.Any("/api/api.php", h.Dispatch)
}

// Dispatch routes on the action query parameter.
func (h *Handler) Dispatch(c *gin.Context) {
	start := time.Now()
	name := c.Query("action")
	a, known := h.actions[name]
	if !known {
		name = "invalid"
	}
	defer func() {
		h.metrics.Request(name, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}()

	switch {
	case !known:
		h.fail(c, http.StatusBadRequest, "Invalid action")
	case a.method != "" && c.Request.Method != a.method:
		h.fail(c, http.StatusMethodNotAllowed, a.method+" method required")
	default:
		a.fn(c)
	}
}

func (h *Handler) getStudent(c *gin.Context) {
	st, err := h.students.Resolve(c.Request.Context(), c.Query("matricule"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, st)
}

type markResponse struct {
	Message   string          `json:"message"`
	Matricule string          `json:"matricule"`
	Date      civil.Date      `json:"date"`
	Time      civil.TimeOfDay `json:"time"`
	Status    model.Status    `json:"status"`
}

func (h *Handler) markPresence(c *gin.Context) {
	in, err := readInput(c)
	if err != nil {
		h.failErr(c, err)
		return
	}
	m := presence.Mark{Matricule: in["matricule"]}
	if m.Date, err = optionalDate(in["date"], "date"); err != nil {
		h.failErr(c, err)
		return
	}
	if v := strings.TrimSpace(in["time"]); v != "" {
		t, err := civil.ParseTimeOfDay(v)
		if err != nil {
			h.failErr(c, apperr.E(apperr.InvalidInput, "Invalid time, expected HH:MM:SS", err))
			return
		}
		m.Time = &t
	}
	if m.CourseID, err = optionalID(in["course_id"], "course_id"); err != nil {
		h.failErr(c, err)
		return
	}
	// a zero course id means no course
	if m.CourseID != nil && *m.CourseID == 0 {
		m.CourseID = nil
	}

	res, err := h.presences.Mark(c.Request.Context(), m)
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, markResponse{
		Message:   "Presence marked successfully",
		Matricule: res.Matricule,
		Date:      res.Date,
		Time:      res.Time,
		Status:    res.Status,
	})
}

func (h *Handler) getPresences(c *gin.Context) {
	f := presence.Filter{
		Matricule: c.Query("matricule"),
		Limit:     intQuery(c, "limit", presence.DefaultLimit),
		Offset:    intQuery(c, "offset", 0),
	}
	var err error
	if f.Date, err = optionalDate(c.Query("date"), "date"); err != nil {
		h.failErr(c, err)
		return
	}
	if f.Start, err = optionalDate(c.Query("start_date"), "start_date"); err != nil {
		h.failErr(c, err)
		return
	}
	if f.End, err = optionalDate(c.Query("end_date"), "end_date"); err != nil {
		h.failErr(c, err)
		return
	}
	rows, err := h.presences.List(c.Request.Context(), f)
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, rows)
}

func (h *Handler) getStats(c *gin.Context) {
	start, err := optionalDate(c.Query("start_date"), "start_date")
	if err != nil {
		h.failErr(c, err)
		return
	}
	end, err := optionalDate(c.Query("end_date"), "end_date")
	if err != nil {
		h.failErr(c, err)
		return
	}
	stats, err := h.stats.Stats(c.Request.Context(), start, end)
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, stats)
}

func (h *Handler) getStructure(c *gin.Context) {
	s, err := h.catalog.Structure(c.Request.Context())
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, s)
}

func (h *Handler) getStudents(c *gin.Context) {
	promo, err := optionalID(c.Query("promotion_id"), "promotion_id")
	if err != nil {
		h.failErr(c, err)
		return
	}
	list, err := h.catalog.Students(c.Request.Context(), catalog.StudentFilter{
		PromotionID: promo,
		Search:      c.Query("search"),
		Limit:       intQuery(c, "limit", catalog.DefaultStudentLimit),
		Offset:      intQuery(c, "offset", 0),
	})
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, list)
}

func (h *Handler) getCourses(c *gin.Context) {
	promo, err := optionalID(c.Query("promotion_id"), "promotion_id")
	if err != nil {
		h.failErr(c, err)
		return
	}
	list, err := h.catalog.Courses(c.Request.Context(), catalog.CourseFilter{
		PromotionID: promo,
		DayOfWeek:   c.Query("day_of_week"),
	})
	if err != nil {
		h.failErr(c, err)
		return
	}
	h.ok(c, http.StatusOK, list)
}

type refreshResponse struct {
	JobID     string `json:"job_id"`
	Matricule string `json:"matricule"`
}

func (h *Handler) refreshStudent(c *gin.Context) {
	in, err := readInput(c)
	if err != nil {
		h.failErr(c, err)
		return
	}
	matricule := strings.TrimSpace(in["matricule"])
	if matricule == "" {
		matricule = strings.TrimSpace(c.Query("matricule"))
	}
	if matricule == "" {
		h.failErr(c, apperr.E(apperr.InvalidInput, "Matricule is required", nil))
		return
	}
	job := queue.NewRefreshJob(matricule)
	if err := h.jobs.Publish(c.Request.Context(), job); err != nil {
		h.failErr(c, apperr.E(apperr.Internal, "enqueue refresh", err))
		return
	}
	h.ok(c, http.StatusAccepted, refreshResponse{JobID: job.ID, Matricule: matricule})
}

// maxBody caps the size of a POST body.
const maxBody = 1 << 20

// readInput returns the request body as flat string fields: a JSON object
// when the body parses as one, form values otherwise.
func readInput(c *gin.Context) (map[string]string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.E(apperr.InvalidInput, "Request body too large", err)
		}
		return nil, apperr.E(apperr.InvalidInput, "Unreadable request body", err)
	}
	out := map[string]string{}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if len(body) > 0 && dec.Decode(&obj) == nil && obj != nil {
		for k, v := range obj {
			if v != nil {
				out[k] = fmt.Sprint(v)
			}
		}
		return out, nil
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err := c.Request.ParseForm(); err == nil {
		for k := range c.Request.PostForm {
			out[k] = c.Request.PostForm.Get(k)
		}
	}
	return out, nil
}

func optionalDate(v, field string) (*civil.Date, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return nil, apperr.E(apperr.InvalidInput, "Invalid "+field+", expected YYYY-MM-DD", err)
	}
	return &d, nil
}

func optionalID(v, field string) (*int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, apperr.E(apperr.InvalidInput, "Invalid "+field, err)
	}
	return &id, nil
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
