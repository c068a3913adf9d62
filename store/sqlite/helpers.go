package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/xraph/docflow/job"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func marshalOptions(opts map[string]string) (string, error) {
	if opts == nil {
		return "{}", nil
	}
	b, err := json.Marshal(opts)
	return string(b), err
}

func marshalDetails(d *job.ErrorDetails) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// filterWhere builds the WHERE clause shared by the count and page queries.
func filterWhere(orgID string, f job.Filter) (string, []any) {
	conds := []string{"organization_id = ?"}
	args := []any{orgID}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ConversionType != "" {
		conds = append(conds, "conversion_type = ?")
		args = append(args, string(f.ConversionType))
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, toNanos(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, toNanos(f.CreatedBefore))
	}
	return strings.Join(conds, " AND "), args
}
