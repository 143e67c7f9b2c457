package postgres

import (
	"context"
	"fmt"

	"ipresence/internal/model"
	"ipresence/internal/presence"
)

// GetCourse returns a course by id, active or not.
func (r *Repository) GetCourse(ctx context.Context, id int64) (model.Course, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+courseColumns+courseFrom+` WHERE c.id = $1`, id)
	c, err := scanCourse(row)
	if err != nil {
		return model.Course{}, notFound(err, presence.ErrCourseNotFound)
	}
	return c, nil
}

// UpsertPresence writes one row per (matricule, date, course); a repeated
// mark overwrites time and status in place.
func (r *Repository) UpsertPresence(ctx context.Context, p model.Presence) (model.Presence, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO presences (matricule, date, time, status, course_id)
		VALUES ($1, $2::date, $3::time, $4, $5)
		ON CONFLICT (matricule, date, (COALESCE(course_id, 0))) DO UPDATE SET
			time = EXCLUDED.time,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, p.Matricule, p.Date, p.Time, string(p.Status), p.CourseID)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Presence{}, fmt.Errorf("upsert presence %s %s: %w", p.Matricule, p.Date, err)
	}
	return p, nil
}

// ListPresences returns presences with student name and course, newest first.
func (r *Repository) ListPresences(ctx context.Context, f presence.Filter) ([]model.Presence, error) {
	w := &where{}
	if f.Matricule != "" {
		w.add("pr.matricule = ?", f.Matricule)
	}
	if f.Date != nil {
		w.add("pr.date = ?::date", *f.Date)
	}
	if f.Start != nil && f.End != nil {
		w.add("pr.date BETWEEN ?::date AND ?::date", *f.Start, *f.End)
	}
	query := `
		SELECT pr.id, pr.matricule, to_char(pr.date, 'YYYY-MM-DD'), to_char(pr.time, 'HH24:MI:SS'), pr.status,
			pr.course_id, s.fullname, c.title, c.code, pr.created_at, pr.updated_at
		FROM presences pr
		LEFT JOIN students s ON s.matricule = pr.matricule
		LEFT JOIN courses c ON c.id = pr.course_id` + w.String() + `
		ORDER BY pr.date DESC, pr.time DESC, pr.id DESC
		LIMIT ` + w.next(f.Limit) + ` OFFSET ` + w.next(f.Offset)

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Presence
	for rows.Next() {
		var (
			p      model.Presence
			status string
		)
		if err := rows.Scan(&p.ID, &p.Matricule, &p.Date, &p.Time, &status,
			&p.CourseID, &p.Fullname, &p.CourseTitle, &p.CourseCode, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = model.Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
