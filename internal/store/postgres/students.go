package postgres

import (
	"context"
	"fmt"

	"ipresence/internal/catalog"
	"ipresence/internal/identity"
	"ipresence/internal/model"
)

const studentColumns = `
	s.id, s.matricule, s.fullname, s.birthday, s.birthplace, s.city, s.civil_status, s.avatar,
	s.active, s.promotion_id, p.title, p.label, e.title, s.created_at, s.updated_at`

const studentFrom = `
	FROM students s
	LEFT JOIN promotions p ON p.id = s.promotion_id
	LEFT JOIN entities e ON e.id = p.entity_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (model.Student, error) {
	var st model.Student
	err := row.Scan(
		&st.ID, &st.Matricule, &st.Fullname, &st.Birthday, &st.Birthplace, &st.City, &st.CivilStatus, &st.Avatar,
		&st.Active, &st.PromotionID, &st.PromotionTitle, &st.PromotionLabel, &st.EntityTitle, &st.CreatedAt, &st.UpdatedAt,
	)
	return st, err
}

// GetStudent returns a student by exact matricule.
func (r *Repository) GetStudent(ctx context.Context, matricule string) (model.Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+studentColumns+studentFrom+` WHERE s.matricule = $1`, matricule)
	st, err := scanStudent(row)
	if err != nil {
		return model.Student{}, notFound(err, identity.ErrStudentNotFound)
	}
	return st, nil
}

// UpsertStudent inserts or fully replaces a student in one statement. A
// promotion id unknown locally is stored as NULL.
func (r *Repository) UpsertStudent(ctx context.Context, st model.Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (matricule, fullname, birthday, birthplace, city, civil_status, avatar, active, promotion_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, (SELECT id FROM promotions WHERE id = $9))
		ON CONFLICT (matricule) DO UPDATE SET
			fullname = EXCLUDED.fullname,
			birthday = EXCLUDED.birthday,
			birthplace = EXCLUDED.birthplace,
			city = EXCLUDED.city,
			civil_status = EXCLUDED.civil_status,
			avatar = EXCLUDED.avatar,
			active = EXCLUDED.active,
			promotion_id = EXCLUDED.promotion_id,
			updated_at = NOW()
	`, st.Matricule, st.Fullname, st.Birthday, st.Birthplace, st.City, st.CivilStatus, st.Avatar, st.Active, st.PromotionID)
	if err != nil {
		return fmt.Errorf("upsert student %s: %w", st.Matricule, err)
	}
	return nil
}

// StudentExists reports whether matricule is stored locally.
func (r *Repository) StudentExists(ctx context.Context, matricule string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM students WHERE matricule = $1)`, matricule).Scan(&ok)
	return ok, err
}

// ListStudents returns active students ordered by name.
func (r *Repository) ListStudents(ctx context.Context, f catalog.StudentFilter) ([]model.Student, error) {
	w := &where{}
	w.add("s.active")
	if f.PromotionID != nil {
		w.add("s.promotion_id = ?", *f.PromotionID)
	}
	if f.Search != "" {
		p := w.next(containsPattern(f.Search))
		w.add("(s.fullname ILIKE " + p + " OR s.matricule ILIKE " + p + ")")
	}
	query := `SELECT` + studentColumns + studentFrom + w.String() +
		` ORDER BY s.fullname, s.matricule LIMIT ` + w.next(f.Limit) + ` OFFSET ` + w.next(f.Offset)

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
