package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// classify wraps a driver error in a *domain.StorageError carrying its kind.
// Errors that fit no kind are wrapped plainly.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	if kind := kindOf(err); kind != nil {
		return &domain.StorageError{Op: op, Kind: kind, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func kindOf(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return domain.ErrStorageUnavailable
		case pqErr.Code == "23505", pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "55P03":
			return domain.ErrConflict
		case pqErr.Code.Class() == "23":
			return domain.ErrIntegrity
		}
		return nil
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return domain.ErrConflict
		case sqlite3.ErrConstraint:
			if liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return domain.ErrConflict
			}
			return domain.ErrIntegrity
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return domain.ErrStorageUnavailable
		}
		return nil
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return domain.ErrStorageUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrStorageUnavailable
	case errors.As(err, &netErr):
		return domain.ErrStorageUnavailable
	}
	return nil
}

func integrityError(op, msg string) error {
	return &domain.StorageError{Op: op, Kind: domain.ErrIntegrity, Err: errors.New(msg)}
}

func conflictError(op, msg string) error {
	return &domain.StorageError{Op: op, Kind: domain.ErrConflict, Err: errors.New(msg)}
}
