package repository

import (
	"database/sql"
	"errors"
)

// optionalRow turns sql.ErrNoRows into (nil, nil). Catalog and install lookups use
// it: an unknown package or a user without the app is an answer, not a failure.
func optionalRow[T any](row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	default:
		return row, nil
	}
}

// touchedRow reports whether a per-user write (uninstall, settings update) matched
// an installed app.
func touchedRow(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
