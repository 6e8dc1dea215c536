package controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
)

// parseReadingsQuery reads from, to, limit and offset. from and to are
// RFC3339 and either may be omitted, leaving that side of the window open.
func parseReadingsQuery(r *http.Request) (from time.Time, to time.Time, limit int, offset int, err error) {
	q := r.URL.Query()

	if s := q.Get("from"); s != "" {
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, 0, errors.New("invalid 'from' (expected RFC3339)")
		}
	}
	if s := q.Get("to"); s != "" {
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, 0, 0, errors.New("invalid 'to' (expected RFC3339)")
		}
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, 0, 0, errors.New("'from' must be <= 'to'")
	}

	limit = defaultReadingsLimit
	if s := q.Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return time.Time{}, time.Time{}, 0, 0, errors.New("invalid 'limit' (expected integer)")
		}
		if n <= 0 {
			return time.Time{}, time.Time{}, 0, 0, errors.New("'limit' must be > 0")
		}
		if n > maxReadingsLimit {
			return time.Time{}, time.Time{}, 0, 0, errors.New("'limit' must be <= 1000")
		}
		limit = n
	}

	if s := q.Get("offset"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return time.Time{}, time.Time{}, 0, 0, errors.New("invalid 'offset' (expected integer)")
		}
		if n < 0 {
			return time.Time{}, time.Time{}, 0, 0, errors.New("'offset' must be >= 0")
		}
		offset = n
	}

	return from, to, limit, offset, nil
}
