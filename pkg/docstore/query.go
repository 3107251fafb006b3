// Package docstore is the data access layer in front of the remote document
// store. Reads go through a circuit breaker, a bounded timeout and, for first
// pages, an expiring cache.
package docstore

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the sort direction of a query.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Constraint is a single filter, for example {"status", "==", "open"}.
type Constraint struct {
	Field string
	Op    string
	Value any
}

// Query is a logical paginated read of one collection.
type Query struct {
	Collection  string
	OrderBy     string
	Direction   Direction
	Constraints []Constraint
	PageSize    int
	// CacheTTL overrides the facade's first page TTL when positive. It is not
	// part of the cache key.
	CacheTTL time.Duration
}

// CollectionPrefix is the cache key prefix shared by every query on collection.
func CollectionPrefix(collection string) string {
	return collection + "/"
}

// CacheKey identifies the first page of q.
func (q Query) CacheKey() string {
	var b strings.Builder
	b.WriteString(CollectionPrefix(q.Collection))
	fmt.Fprintf(&b, "order=%s:%s;limit=%d", q.OrderBy, q.Direction, q.PageSize)
	for _, c := range q.Constraints {
		fmt.Fprintf(&b, ";where=%s%s%v", c.Field, c.Op, c.Value)
	}
	return b.String()
}

// Cursor continues a query after the last document of a previous page. The
// zero Cursor starts at the beginning.
type Cursor struct {
	// Values are the order-by value (if any) and document ID of the last
	// document returned.
	Values []any
}

// IsZero reports whether c starts at the beginning.
func (c Cursor) IsZero() bool {
	return len(c.Values) == 0
}

// Document is one decoded document.
type Document[T any] struct {
	ID   string `json:"id"`
	Data T      `json:"data"`
}

// Page is one page of results.
type Page[T any] struct {
	Items   []Document[T] `json:"items"`
	Next    Cursor        `json:"-"`
	HasMore bool          `json:"hasMore"`
}

// clone returns p with its own copy of Items.
func (p Page[T]) clone() Page[T] {
	if p.Items != nil {
		items := make([]Document[T], len(p.Items))
		copy(items, p.Items)
		p.Items = items
	}
	return p
}
