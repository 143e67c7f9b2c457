package postgres

import (
	"context"

	"ipresence/internal/catalog"
	"ipresence/internal/model"
)

const courseColumns = `
	c.id, c.title, c.code, to_char(c.start_time, 'HH24:MI:SS'), to_char(c.end_time, 'HH24:MI:SS'),
	c.promotion_id, c.professor, c.room, c.day_of_week, c.active, p.title, p.label`

const courseFrom = `
	FROM courses c
	LEFT JOIN promotions p ON p.id = c.promotion_id`

func scanCourse(row scanner) (model.Course, error) {
	var c model.Course
	err := row.Scan(&c.ID, &c.Title, &c.Code, &c.StartTime, &c.EndTime,
		&c.PromotionID, &c.Professor, &c.Room, &c.DayOfWeek, &c.Active, &c.PromotionTitle, &c.PromotionLabel)
	return c, err
}

// ListCourses returns active courses ordered by day and start time.
func (r *Repository) ListCourses(ctx context.Context, f catalog.CourseFilter) ([]model.Course, error) {
	w := &where{}
	w.add("c.active")
	if f.PromotionID != nil {
		w.add("c.promotion_id = ?", *f.PromotionID)
	}
	if f.DayOfWeek != "" {
		w.add("lower(c.day_of_week) = lower(?)", f.DayOfWeek)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+courseColumns+courseFrom+w.String()+` ORDER BY c.day_of_week, c.start_time, c.id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPromotions returns promotions with their entity, grouped by entity.
func (r *Repository) ListPromotions(ctx context.Context) ([]model.Promotion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.label, p.level, p.entity_id, e.title, e.label
		FROM promotions p
		LEFT JOIN entities e ON e.id = p.entity_id
		ORDER BY e.title, p.level, p.title
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Promotion
	for rows.Next() {
		var p model.Promotion
		if err := rows.Scan(&p.ID, &p.Title, &p.Label, &p.Level, &p.EntityID, &p.EntityTitle, &p.EntityLabel); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEntities returns the organisational tree, shallowest first.
func (r *Repository) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, title, label, level, parent_id FROM entities ORDER BY level, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Title, &e.Label, &e.Level, &e.ParentID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
