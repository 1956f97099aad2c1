package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// onePendingIndex is the partial unique index enforcing one pending
// exclusive job per user.
const onePendingIndex = "renderq_jobs_one_pending"

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// uniqueViolation reports the violated constraint name if err is a
// unique_violation (23505).
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// jsonArg passes a nil map as SQL NULL rather than JSON null.
func jsonArg(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// limitArg maps a non-positive limit to LIMIT NULL (no limit).
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
