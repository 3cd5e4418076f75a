package route

import "sync"

// ContextKey is a typed key into a Context. Keys compare by identity, so
// create them once at package level.
type ContextKey[T any] struct {
	name       string
	def        T
	hasDefault bool
}

// NewContextKey creates a key with no default value.
func NewContextKey[T any](name string) *ContextKey[T] {
	return &ContextKey[T]{name: name}
}

// NewContextKeyWithDefault creates a key whose lookups fall back to def.
func NewContextKeyWithDefault[T any](name string, def T) *ContextKey[T] {
	return &ContextKey[T]{name: name, def: def, hasDefault: true}
}

// String returns the key name.
func (k *ContextKey[T]) String() string {
	return k.name
}

// ContextReader is the read-only view of a Context handed to handlers.
type ContextReader interface {
	Lookup(key any) (any, bool)
}

// Context is the key/value store created once per navigate or fetch call and
// threaded through every middleware and handler of that call. It is safe for
// concurrent use since loaders run in parallel.
type Context struct {
	mu     sync.RWMutex
	values map[any]any
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{values: make(map[any]any)}
}

// Lookup implements ContextReader.
func (c *Context) Lookup(key any) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value under key.
func (c *Context) Set(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Len returns the number of stored values.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// ReadOnly returns a view that cannot be used to mutate c.
func (c *Context) ReadOnly() ContextReader {
	return readOnlyContext{c: c}
}

type readOnlyContext struct {
	c *Context
}

func (r readOnlyContext) Lookup(key any) (any, bool) {
	return r.c.Lookup(key)
}

// Get reads a typed value. When the key has no value the key's default is
// returned and ok reports whether a default exists.
func Get[T any](c ContextReader, key *ContextKey[T]) (T, bool) {
	if c != nil {
		if v, ok := c.Lookup(key); ok {
			if tv, ok := v.(T); ok {
				return tv, true
			}
		}
	}
	return key.def, key.hasDefault
}

// Set writes a typed value.
func Set[T any](c *Context, key *ContextKey[T], value T) {
	c.Set(key, value)
}
