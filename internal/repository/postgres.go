package repository

import (
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/errors"
)

// Postgres SQLSTATE codes mapped onto application errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgExclusionViolation  = "23P01"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

// mapWriteError turns constraint violations into coded errors and wraps
// everything else as internal.
func mapWriteError(err error, message string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgExclusionViolation:
			return errors.Wrap(err, errors.ErrCodeConflict, message+": "+pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return errors.Wrap(err, errors.ErrCodeInvalidInput, message+": referenced row does not exist")
		case pgCheckViolation:
			return errors.Wrap(err, errors.ErrCodeInvalidInput, message+": "+pgErr.ConstraintName)
		}
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal json column")
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeDataIntegrity, "failed to decode json column")
	}
	return nil
}

func stringsOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// interval renders d as an INTERVAL, NULL when unset.
func interval(d time.Duration) pgtype.Interval {
	if d <= 0 {
		return pgtype.Interval{}
	}
	return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}
}

func intervalPtr(d *time.Duration) pgtype.Interval {
	if d == nil {
		return pgtype.Interval{}
	}
	return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}
}

// duration folds days and months into a fixed-length duration. Months count
// as 30 days.
func duration(iv pgtype.Interval) time.Duration {
	if !iv.Valid {
		return 0
	}
	days := int64(iv.Days) + int64(iv.Months)*30
	return time.Duration(iv.Microseconds)*time.Microsecond + time.Duration(days)*24*time.Hour
}

func durationPtr(iv pgtype.Interval) *time.Duration {
	if !iv.Valid {
		return nil
	}
	d := duration(iv)
	return &d
}
