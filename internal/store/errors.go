package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// ErrQuotaExceeded is returned when a cache write does not fit in the
// configured quota or the database file cannot grow.
// Callers degrade to serving uncached instead of failing.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrNotFound is returned by lookups of a single item that does not exist.
var ErrNotFound = errors.New("not found")

// mapDiskFull converts SQLITE_FULL into ErrQuotaExceeded.
func mapDiskFull(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return ErrQuotaExceeded
	}
	return err
}
