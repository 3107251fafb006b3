package docstore

import (
	"context"
	"sync"
)

// Pager accumulates the pages of one query for a single consumer. Results
// that complete after a newer Load or Refresh are discarded with
// ErrSuperseded, so a late page can never overwrite fresher data.
type Pager[T any] struct {
	src   *Source[T]
	query Query

	mu      sync.Mutex
	items   []Document[T]
	next    Cursor
	hasMore bool
	gen     uint64
	applied uint64
}

// NewPager creates a pager over q.
func NewPager[T any](src *Source[T], q Query) *Pager[T] {
	return &Pager[T]{src: src, query: q}
}

// Load reads the first page, from the cache when possible, replacing any
// accumulated items.
func (p *Pager[T]) Load(ctx context.Context) error {
	gen := p.begin()
	page, err := p.src.First(ctx, p.query)
	return p.replace(gen, page, err)
}

// Refresh invalidates the cached first page and reads it again.
func (p *Pager[T]) Refresh(ctx context.Context) error {
	gen := p.begin()
	page, err := p.src.Refresh(ctx, p.query)
	return p.replace(gen, page, err)
}

// LoadMore appends the next page. It is a no-op when there is no next page.
func (p *Pager[T]) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if !p.hasMore {
		p.mu.Unlock()
		return nil
	}
	gen, applied, cursor := p.gen, p.applied, p.next
	p.mu.Unlock()

	page, err := p.src.Next(ctx, p.query, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || applied != p.applied {
		return ErrSuperseded
	}
	if err != nil {
		return err
	}
	p.items = append(p.items, page.Items...)
	p.next, p.hasMore = page.Next, page.HasMore
	p.applied++
	return nil
}

func (p *Pager[T]) begin() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	return p.gen
}

func (p *Pager[T]) replace(gen uint64, page Page[T], err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return ErrSuperseded
	}
	if err != nil {
		return err
	}
	p.items = append([]Document[T](nil), page.Items...)
	p.next, p.hasMore = page.Next, page.HasMore
	p.applied++
	return nil
}

// Items returns a copy of the accumulated documents.
func (p *Pager[T]) Items() []Document[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Document[T](nil), p.items...)
}

// HasMore reports whether LoadMore would read another page.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}
