package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"ipresence/internal/civil"
	"ipresence/internal/model"
)

// Aggregate runs the global, per-promotion and daily queries in one read-only
// repeatable-read transaction so the three views agree.
func (r *Repository) Aggregate(ctx context.Context, start, end civil.Date) (model.Stats, error) {
	var stats model.Stats
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return stats, fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback()

	g := &stats.Global
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'on_time'),
			COUNT(*) FILTER (WHERE status = 'late'),
			COUNT(DISTINCT matricule),
			COUNT(DISTINCT date)
		FROM presences
		WHERE date BETWEEN $1::date AND $2::date
	`, start, end).Scan(&g.TotalPresences, &g.OnTimeCount, &g.LateCount, &g.UniqueStudents, &g.DaysWithPresences)
	if err != nil {
		return stats, fmt.Errorf("global stats: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.title,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE pr.status = 'on_time'),
			COUNT(*) FILTER (WHERE pr.status = 'late'),
			COUNT(DISTINCT pr.matricule)
		FROM presences pr
		JOIN students s ON s.matricule = pr.matricule
		JOIN promotions p ON p.id = s.promotion_id
		WHERE pr.date BETWEEN $1::date AND $2::date
		GROUP BY p.id, p.title
		ORDER BY total DESC, p.title
	`, start, end)
	if err != nil {
		return stats, fmt.Errorf("promotion stats: %w", err)
	}
	for rows.Next() {
		var ps model.PromotionStats
		if err := rows.Scan(&ps.PromotionID, &ps.Promotion, &ps.TotalPresences, &ps.OnTimeCount, &ps.LateCount, &ps.UniqueStudents); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByPromotion = append(stats.ByPromotion, ps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT to_char(date, 'YYYY-MM-DD'),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'on_time'),
			COUNT(*) FILTER (WHERE status = 'late')
		FROM presences
		WHERE date BETWEEN $1::date AND $2::date
		GROUP BY date
		ORDER BY date DESC
	`, start, end)
	if err != nil {
		return stats, fmt.Errorf("daily stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.TotalPresences, &d.OnTimeCount, &d.LateCount); err != nil {
			return stats, err
		}
		stats.Daily = append(stats.Daily, d)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	return stats, tx.Commit()
}
