package handler

import (
	"net/http"
	"strconv"
)

const (
	DefaultLogLimit = 100
	MaxListLimit    = 500
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset. ok is false when neither is given,
// in which case callers return the full result.
func ParsePagination(r *http.Request) (params PaginationParams, ok bool) {
	q := r.URL.Query()
	if q.Get("limit") == "" && q.Get("offset") == "" {
		return PaginationParams{}, false
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	return PaginationParams{Limit: limit, Offset: offset}, true
}

func paginate[T any](items []T, p PaginationParams) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// parseLogLimit reads ?limit= for log fetches, defaulting to DefaultLogLimit.
func parseLogLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return DefaultLogLimit
	}
	return limit
}
