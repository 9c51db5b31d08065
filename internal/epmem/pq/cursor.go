package pq

// Cursor is a forward-only iterator. Next advances and reports whether a
// value is available; after it returns false, Err reports why.
type Cursor[T any] interface {
	Next() bool
	Value() T
	Err() error
	Close() error
}

// Fetch loads up to limit rows following after (nil for the first page).
type Fetch[T any] func(after *T, limit int) ([]T, error)

// Paged is a Cursor that pulls fixed-size pages through fetch, keyed on the
// last row seen. No storage resources are held between pages.
type Paged[T any] struct {
	fetch  Fetch[T]
	limit  int
	page   []T
	pos    int
	last   *T
	done   bool
	err    error
	closed bool
}

// NewPaged creates a cursor that fetches limit rows at a time.
func NewPaged[T any](limit int, fetch Fetch[T]) *Paged[T] {
	if limit <= 0 {
		limit = 64
	}
	return &Paged[T]{fetch: fetch, limit: limit, pos: -1}
}

func (c *Paged[T]) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	c.pos++
	if c.pos < len(c.page) {
		c.last = &c.page[c.pos]
		return true
	}
	if c.done {
		return false
	}
	page, err := c.fetch(c.last, c.limit)
	if err != nil {
		c.err = err
		return false
	}
	if len(page) < c.limit {
		c.done = true
	}
	c.page, c.pos = page, 0
	if len(page) == 0 {
		return false
	}
	c.last = &c.page[0]
	return true
}

func (c *Paged[T]) Value() T { return *c.last }

func (c *Paged[T]) Err() error { return c.err }

func (c *Paged[T]) Close() error {
	c.closed = true
	c.page = nil
	return nil
}

// Slice is a Cursor over an in-memory slice.
type Slice[T any] struct {
	items []T
	pos   int
}

// NewSlice creates a cursor over items.
func NewSlice[T any](items ...T) *Slice[T] {
	return &Slice[T]{items: items, pos: -1}
}

func (c *Slice[T]) Next() bool {
	if c.pos+1 >= len(c.items) {
		c.pos = len(c.items)
		return false
	}
	c.pos++
	return true
}

func (c *Slice[T]) Value() T     { return c.items[c.pos] }
func (c *Slice[T]) Err() error   { return nil }
func (c *Slice[T]) Close() error { return nil }
