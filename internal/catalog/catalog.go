// Package catalog serves the read-only academic structure: entities,
// promotions, students and courses.
package catalog

import (
	"context"
	"strings"

	"ipresence/internal/apperr"
	"ipresence/internal/model"
)

const (
	DefaultStudentLimit = 50
	MaxStudentLimit     = 500
)

// StudentFilter narrows ListStudents. Only active students are listed.
type StudentFilter struct {
	PromotionID *int64
	// Search matches fullname or matricule, case-insensitively.
	Search string
	Limit  int
	Offset int
}

// CourseFilter narrows ListCourses. Only active courses are listed.
type CourseFilter struct {
	PromotionID *int64
	DayOfWeek   string
}

type Store interface {
	ListEntities(ctx context.Context) ([]model.Entity, error)
	ListPromotions(ctx context.Context) ([]model.Promotion, error)
	ListStudents(ctx context.Context, f StudentFilter) ([]model.Student, error)
	ListCourses(ctx context.Context, f CourseFilter) ([]model.Course, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Structure returns every promotion with its entity and the entity tree.
func (s *Service) Structure(ctx context.Context) (model.Structure, error) {
	promotions, err := s.store.ListPromotions(ctx)
	if err != nil {
		return model.Structure{}, apperr.E(apperr.StorageFailure, "list promotions", err)
	}
	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return model.Structure{}, apperr.E(apperr.StorageFailure, "list entities", err)
	}
	if promotions == nil {
		promotions = []model.Promotion{}
	}
	if entities == nil {
		entities = []model.Entity{}
	}
	return model.Structure{Promotions: promotions, Entities: entities}, nil
}

func (s *Service) Students(ctx context.Context, f StudentFilter) ([]model.Student, error) {
	f.Search = strings.TrimSpace(f.Search)
	if f.Limit <= 0 {
		f.Limit = DefaultStudentLimit
	}
	if f.Limit > MaxStudentLimit {
		f.Limit = MaxStudentLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	out, err := s.store.ListStudents(ctx, f)
	if err != nil {
		return nil, apperr.E(apperr.StorageFailure, "list students", err)
	}
	if out == nil {
		out = []model.Student{}
	}
	return out, nil
}

func (s *Service) Courses(ctx context.Context, f CourseFilter) ([]model.Course, error) {
	f.DayOfWeek = strings.TrimSpace(f.DayOfWeek)
	out, err := s.store.ListCourses(ctx, f)
	if err != nil {
		return nil, apperr.E(apperr.StorageFailure, "list courses", err)
	}
	if out == nil {
		out = []model.Course{}
	}
	return out, nil
}
