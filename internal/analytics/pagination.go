package analytics

import "gorm.io/gorm"

const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// Pagination selects a slice of a breakdown. A zero Limit means no limit.
type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// NewPagination normalizes offset and limit: negatives become 0 and
// limits above MaxLimit are clamped.
func NewPagination(offset, limit int) Pagination {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Pagination{Offset: offset, Limit: limit}
}

// DefaultPagination is the first page of DefaultLimit rows.
func DefaultPagination() Pagination {
	return Pagination{Offset: 0, Limit: DefaultLimit}
}

// Unlimited reports whether all rows from Offset on are requested.
func (p Pagination) Unlimited() bool {
	return p.Limit == 0
}

// FetchLimit is the number of rows to read from the store: one more than
// requested so the caller can tell whether another page exists. -1 means
// no limit.
func (p Pagination) FetchLimit() int {
	if p.Unlimited() {
		return -1
	}
	return p.Limit + 1
}

// SQL returns the LIMIT clause for raw queries and its arguments.
func (p Pagination) SQL() (string, []any) {
	return "LIMIT ? OFFSET ?", []any{p.FetchLimit(), p.Offset}
}

// Apply adds the limit and offset to a gorm query.
func (p Pagination) Apply(db *gorm.DB) *gorm.DB {
	return db.Limit(p.FetchLimit()).Offset(p.Offset)
}

// Page is one page of rows. HasMore is set when the store returned more
// rows than requested.
type Page[T any] struct {
	Rows    []T  `json:"rows"`
	HasMore bool `json:"has_more"`
}

// Paginate trims the extra row fetched by FetchLimit. Rows is never nil.
func Paginate[T any](rows []T, p Pagination) Page[T] {
	if rows == nil {
		rows = []T{}
	}
	if p.Unlimited() || len(rows) <= p.Limit {
		return Page[T]{Rows: rows}
	}
	return Page[T]{Rows: rows[:p.Limit], HasMore: true}
}
