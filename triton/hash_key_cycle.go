package triton

import "sync"

// HashKeySource hands out explicit hash keys, one per record.
type HashKeySource interface {
	Next() string
}

// HashKeyCycle walks a fixed list of hash keys round robin, forever.
//
// It keeps its own copy of the keys and an index into them, so the position
// can be inspected and reset. A HashKeyCycle is not safe for concurrent use;
// wrap it with NewLockedHashKeySource when it is shared between goroutines.
type HashKeyCycle struct {
	keys []string
	pos  int
}

// NewHashKeyCycle returns a cycle over keys in the given order.
func NewHashKeyCycle(keys []string) (*HashKeyCycle, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeySet
	}
	c := &HashKeyCycle{keys: make([]string, len(keys))}
	copy(c.keys, keys)
	return c, nil
}

func (c *HashKeyCycle) Next() string {
	k := c.keys[c.pos]
	c.pos = (c.pos + 1) % len(c.keys)
	return k
}

// Position is the index of the key the next call to Next returns.
func (c *HashKeyCycle) Position() int { return c.pos }

func (c *HashKeyCycle) Reset() { c.pos = 0 }

func (c *HashKeyCycle) Len() int { return len(c.keys) }

type lockedHashKeySource struct {
	mu  sync.Mutex
	src HashKeySource
}

// NewLockedHashKeySource serializes calls to src.
func NewLockedHashKeySource(src HashKeySource) HashKeySource {
	return &lockedHashKeySource{src: src}
}

func (l *lockedHashKeySource) Next() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Next()
}
