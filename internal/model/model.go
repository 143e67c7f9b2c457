package model

import (
	"time"

	"ipresence/internal/civil"
)

// Student is a locally known student record.
type Student struct {
	ID             int64     `json:"id,omitempty"`
	Matricule      string    `json:"matricule"`
	Fullname       string    `json:"fullname"`
	Birthday       string    `json:"birthday"`
	Birthplace     string    `json:"birthplace"`
	City           string    `json:"city"`
	CivilStatus    string    `json:"civilStatus"`
	Avatar         string    `json:"avatar"`
	Active         bool      `json:"active"`
	PromotionID    *int64    `json:"promotionId"`
	PromotionTitle *string   `json:"promotion_title,omitempty"`
	PromotionLabel *string   `json:"promotion_label,omitempty"`
	EntityTitle    *string   `json:"entity_title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Entity is a node of the organisational tree (faculty, department).
type Entity struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Label    string `json:"label"`
	Level    int    `json:"level"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// Promotion is a cohort attached to an entity.
type Promotion struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Label       string  `json:"label"`
	Level       int     `json:"level"`
	EntityID    *int64  `json:"entityId"`
	EntityTitle *string `json:"entity_title,omitempty"`
	EntityLabel *string `json:"entity_label,omitempty"`
}

// Course supplies the on-time threshold of a presence mark.
type Course struct {
	ID             int64           `json:"id"`
	Title          string          `json:"title"`
	Code           string          `json:"code"`
	StartTime      civil.TimeOfDay `json:"start_time"`
	EndTime        civil.TimeOfDay `json:"end_time"`
	PromotionID    *int64          `json:"promotionId"`
	Professor      string          `json:"professor,omitempty"`
	Room           string          `json:"room,omitempty"`
	DayOfWeek      string          `json:"day_of_week"`
	Active         bool            `json:"active"`
	PromotionTitle *string         `json:"promotion_title,omitempty"`
	PromotionLabel *string         `json:"promotion_label,omitempty"`
}

// Status of a presence mark.
type Status string

const (
	StatusOnTime Status = "on_time"
	StatusLate   Status = "late"
	// StatusAbsent is implied by a missing row and never stored.
	StatusAbsent Status = "absent"
)

// Presence is one row per (matricule, date, course).
type Presence struct {
	ID          int64           `json:"id"`
	Matricule   string          `json:"matricule"`
	Date        civil.Date      `json:"date"`
	Time        civil.TimeOfDay `json:"time"`
	Status      Status          `json:"status"`
	CourseID    *int64          `json:"course_id,omitempty"`
	Fullname    *string         `json:"fullname,omitempty"`
	CourseTitle *string         `json:"course_title,omitempty"`
	CourseCode  *string         `json:"course_code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// GlobalStats summarises every presence of a period.
type GlobalStats struct {
	TotalPresences    int `json:"total_presences"`
	OnTimeCount       int `json:"on_time_count"`
	LateCount         int `json:"late_count"`
	UniqueStudents    int `json:"unique_students"`
	DaysWithPresences int `json:"days_with_presences"`
}

// PromotionStats groups a period's presences by promotion.
type PromotionStats struct {
	PromotionID    int64  `json:"promotion_id"`
	Promotion      string `json:"promotion"`
	TotalPresences int    `json:"total_presences"`
	OnTimeCount    int    `json:"on_time_count"`
	LateCount      int    `json:"late_count"`
	UniqueStudents int    `json:"unique_students"`
}

// DailyStats groups a period's presences by day.
type DailyStats struct {
	Date           civil.Date `json:"date"`
	TotalPresences int        `json:"total_presences"`
	OnTimeCount    int        `json:"on_time_count"`
	LateCount      int        `json:"late_count"`
}

// Period is an inclusive date range.
type Period struct {
	StartDate civil.Date `json:"start_date"`
	EndDate   civil.Date `json:"end_date"`
}

// Stats is the dashboard payload.
type Stats struct {
	Global      GlobalStats      `json:"global"`
	ByPromotion []PromotionStats `json:"by_promotion"`
	Daily       []DailyStats     `json:"daily"`
	Period      Period           `json:"period"`
}

// Structure is the academic tree served to the dashboard filters.
type Structure struct {
	Promotions []Promotion `json:"promotions"`
	Entities   []Entity    `json:"entities"`
}
