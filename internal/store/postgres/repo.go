package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"ipresence/internal/catalog"
	"ipresence/internal/identity"
	"ipresence/internal/presence"
	"ipresence/internal/reporting"
)

// Repository persists students, presences and the academic structure in
// Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Ping reports database reachability.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// where accumulates AND-ed clauses with $n placeholders.
type where struct {
	clauses []string
	args    []any
}

// add appends clause, replacing each "?" with the next placeholder.
func (w *where) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", "$"+strconv.Itoa(len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

// next returns the placeholder for one more argument.
func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

var (
	_ identity.Store  = (*Repository)(nil)
	_ presence.Store  = (*Repository)(nil)
	_ reporting.Store = (*Repository)(nil)
	_ catalog.Store   = (*Repository)(nil)
)
