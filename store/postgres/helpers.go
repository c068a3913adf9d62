package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/docflow/job"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func marshalOptions(opts map[string]string) ([]byte, error) {
	if opts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(opts)
}

func marshalDetails(d *job.ErrorDetails) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// whereBuilder accumulates AND-ed conditions with numbered placeholders.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) sql() string {
	return strings.Join(w.conds, " AND ")
}

func filterWhere(orgID string, f job.Filter) *whereBuilder {
	w := &whereBuilder{}
	w.add("organization_id = $%d", orgID)
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.ConversionType != "" {
		w.add("conversion_type = $%d", string(f.ConversionType))
	}
	if !f.CreatedAfter.IsZero() {
		w.add("created_at > $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		w.add("created_at < $%d", f.CreatedBefore)
	}
	return w
}
