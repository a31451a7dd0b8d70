package resolver

// layered keeps writes made inside a unit of work apart from those already committed,
// so a rolled back mutation never leaves a cached record behind.
type layered[K comparable, V any] struct {
	committed map[K]V
	pending   map[K]V
}

func newLayered[K comparable, V any]() *layered[K, V] {
	return &layered[K, V]{committed: map[K]V{}, pending: map[K]V{}}
}

func (c *layered[K, V]) get(k K) (V, bool) {
	if v, ok := c.pending[k]; ok {
		return v, true
	}
	v, ok := c.committed[k]
	return v, ok
}

func (c *layered[K, V]) put(k K, v V) {
	c.pending[k] = v
}

func (c *layered[K, V]) commit() {
	for k, v := range c.pending {
		c.committed[k] = v
	}
	c.pending = map[K]V{}
}

func (c *layered[K, V]) discard() {
	c.pending = map[K]V{}
}

func (c *layered[K, V]) len() int {
	return len(c.committed) + len(c.pending)
}
