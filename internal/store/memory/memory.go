// Package memory is an in-process implementation of every repository
// interface, used by tests and by STORE_BACKEND=memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ipresence/internal/catalog"
	"ipresence/internal/civil"
	"ipresence/internal/identity"
	"ipresence/internal/model"
	"ipresence/internal/presence"
	"ipresence/internal/reporting"
)

type presenceKey struct {
	matricule string
	date      civil.Date
	courseID  int64 // 0 when no course
}

// Store keeps all tables in maps guarded by one lock, so every upsert is
// atomic and every read sees a consistent snapshot.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	entities   map[int64]model.Entity
	promotions map[int64]model.Promotion
	courses    map[int64]model.Course
	students   map[string]model.Student
	presences  map[presenceKey]model.Presence
	nextID     int64
}

func New() *Store {
	return &Store{
		now:        time.Now,
		entities:   make(map[int64]model.Entity),
		promotions: make(map[int64]model.Promotion),
		courses:    make(map[int64]model.Course),
		students:   make(map[string]model.Student),
		presences:  make(map[presenceKey]model.Presence),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) PutEntity(e model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
}

func (s *Store) PutPromotion(p model.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promotions[p.ID] = p
}

func (s *Store) PutCourse(c model.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

// StudentCount returns the number of stored students.
func (s *Store) StudentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.students)
}

// PresenceCount returns the number of stored presence rows.
func (s *Store) PresenceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.presences)
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// students

func (s *Store) GetStudent(_ context.Context, matricule string) (model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[matricule]
	if !ok {
		return model.Student{}, identity.ErrStudentNotFound
	}
	return s.decorate(st), nil
}

func (s *Store) UpsertStudent(_ context.Context, st model.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if old, ok := s.students[st.Matricule]; ok {
		st.ID = old.ID
		st.CreatedAt = old.CreatedAt
	} else {
		st.ID = s.id()
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	st.PromotionTitle, st.PromotionLabel, st.EntityTitle = nil, nil, nil
	if st.PromotionID != nil {
		if _, ok := s.promotions[*st.PromotionID]; !ok {
			st.PromotionID = nil
		}
	}
	s.students[st.Matricule] = st
	return nil
}

func (s *Store) StudentExists(_ context.Context, matricule string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.students[matricule]
	return ok, nil
}

// decorate attaches promotion and entity titles; callers hold the lock.
func (s *Store) decorate(st model.Student) model.Student {
	if st.PromotionID == nil {
		return st
	}
	p, ok := s.promotions[*st.PromotionID]
	if !ok {
		return st
	}
	title, label := p.Title, p.Label
	st.PromotionTitle, st.PromotionLabel = &title, &label
	if p.EntityID != nil {
		if e, ok := s.entities[*p.EntityID]; ok {
			et := e.Title
			st.EntityTitle = &et
		}
	}
	return st
}

// courses and presences

func (s *Store) GetCourse(_ context.Context, id int64) (model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.courses[id]
	if !ok {
		return model.Course{}, presence.ErrCourseNotFound
	}
	return c, nil
}

func keyOf(p model.Presence) presenceKey {
	k := presenceKey{matricule: p.Matricule, date: p.Date}
	if p.CourseID != nil {
		k.courseID = *p.CourseID
	}
	return k
}

func (s *Store) UpsertPresence(_ context.Context, p model.Presence) (model.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	k := keyOf(p)
	if old, ok := s.presences[k]; ok {
		old.Time = p.Time
		old.Status = p.Status
		old.UpdatedAt = now
		s.presences[k] = old
		return old, nil
	}
	p.ID = s.id()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Fullname, p.CourseTitle, p.CourseCode = nil, nil, nil
	s.presences[k] = p
	return p, nil
}

func inRange(d civil.Date, start, end *civil.Date) bool {
	if start == nil || end == nil {
		return true
	}
	return !d.Before(*start) && !d.After(*end)
}

func (s *Store) ListPresences(_ context.Context, f presence.Filter) ([]model.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Presence
	for _, p := range s.presences {
		if f.Matricule != "" && p.Matricule != f.Matricule {
			continue
		}
		if f.Date != nil && p.Date != *f.Date {
			continue
		}
		if !inRange(p.Date, f.Start, f.End) {
			continue
		}
		if st, ok := s.students[p.Matricule]; ok {
			name := st.Fullname
			p.Fullname = &name
		}
		if p.CourseID != nil {
			if c, ok := s.courses[*p.CourseID]; ok {
				title, code := c.Title, c.Code
				p.CourseTitle, p.CourseCode = &title, &code
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Date.Compare(out[j].Date); c != 0 {
			return c > 0
		}
		if out[i].Time != out[j].Time {
			return out[i].Time > out[j].Time
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// reporting

func (s *Store) Aggregate(_ context.Context, start, end civil.Date) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats model.Stats
	students := map[string]struct{}{}
	days := map[civil.Date]*model.DailyStats{}
	promos := map[int64]*model.PromotionStats{}
	promoStudents := map[int64]map[string]struct{}{}

	for _, p := range s.presences {
		if !inRange(p.Date, &start, &end) {
			continue
		}
		onTime, late := 0, 0
		switch p.Status {
		case model.StatusOnTime:
			onTime = 1
		case model.StatusLate:
			late = 1
		}

		g := &stats.Global
		g.TotalPresences++
		g.OnTimeCount += onTime
		g.LateCount += late
		students[p.Matricule] = struct{}{}

		d, ok := days[p.Date]
		if !ok {
			d = &model.DailyStats{Date: p.Date}
			days[p.Date] = d
		}
		d.TotalPresences++
		d.OnTimeCount += onTime
		d.LateCount += late

		st, ok := s.students[p.Matricule]
		if !ok || st.PromotionID == nil {
			continue
		}
		promo, ok := s.promotions[*st.PromotionID]
		if !ok {
			continue
		}
		ps, ok := promos[promo.ID]
		if !ok {
			ps = &model.PromotionStats{PromotionID: promo.ID, Promotion: promo.Title}
			promos[promo.ID] = ps
			promoStudents[promo.ID] = map[string]struct{}{}
		}
		ps.TotalPresences++
		ps.OnTimeCount += onTime
		ps.LateCount += late
		promoStudents[promo.ID][p.Matricule] = struct{}{}
	}
	stats.Global.UniqueStudents = len(students)
	stats.Global.DaysWithPresences = len(days)

	for id, ps := range promos {
		ps.UniqueStudents = len(promoStudents[id])
		stats.ByPromotion = append(stats.ByPromotion, *ps)
	}
	sort.Slice(stats.ByPromotion, func(i, j int) bool {
		a, b := stats.ByPromotion[i], stats.ByPromotion[j]
		if a.TotalPresences != b.TotalPresences {
			return a.TotalPresences > b.TotalPresences
		}
		return a.Promotion < b.Promotion
	})

	for _, d := range days {
		stats.Daily = append(stats.Daily, *d)
	}
	sort.Slice(stats.Daily, func(i, j int) bool {
		return stats.Daily[i].Date.After(stats.Daily[j].Date)
	})
	return stats, nil
}

// catalog

func (s *Store) ListEntities(context.Context) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Title < out[j].Title
	})
	return out, nil
}

func (s *Store) ListPromotions(context.Context) ([]model.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		if p.EntityID != nil {
			if e, ok := s.entities[*p.EntityID]; ok {
				title, label := e.Title, e.Label
				p.EntityTitle, p.EntityLabel = &title, &label
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if at, bt := deref(a.EntityTitle), deref(b.EntityTitle); at != bt {
			return at < bt
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.Title < b.Title
	})
	return out, nil
}

func (s *Store) ListStudents(_ context.Context, f catalog.StudentFilter) ([]model.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(f.Search)
	var out []model.Student
	for _, st := range s.students {
		if !st.Active {
			continue
		}
		if f.PromotionID != nil && (st.PromotionID == nil || *st.PromotionID != *f.PromotionID) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(st.Fullname), search) &&
			!strings.Contains(strings.ToLower(st.Matricule), search) {
			continue
		}
		out = append(out, s.decorate(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fullname != out[j].Fullname {
			return out[i].Fullname < out[j].Fullname
		}
		return out[i].Matricule < out[j].Matricule
	})
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) ListCourses(_ context.Context, f catalog.CourseFilter) ([]model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Course
	for _, c := range s.courses {
		if !c.Active {
			continue
		}
		if f.PromotionID != nil && (c.PromotionID == nil || *c.PromotionID != *f.PromotionID) {
			continue
		}
		if f.DayOfWeek != "" && !strings.EqualFold(c.DayOfWeek, f.DayOfWeek) {
			continue
		}
		if c.PromotionID != nil {
			if p, ok := s.promotions[*c.PromotionID]; ok {
				title, label := p.Title, p.Label
				c.PromotionTitle, c.PromotionLabel = &title, &label
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var (
	_ identity.Store  = (*Store)(nil)
	_ presence.Store  = (*Store)(nil)
	_ catalog.Store   = (*Store)(nil)
	_ reporting.Store = (*Store)(nil)
)
