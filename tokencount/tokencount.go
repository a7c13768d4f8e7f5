// Package tokencount provides the single deterministic token-counting
// operation every packing decision in the query core relies on, backed by
// github.com/pkoukk/tiktoken-go.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/graphrag-go/graphrag/rerrors"
)

// DefaultEncoding is the byte-pair encoding used when none is specified.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens against a named encoding. It is safe for
// concurrent use; repeated section-header counts are memoized.
type Counter struct {
	enc   *tiktoken.Tiktoken
	cache sync.Map // string -> int
}

// New builds a Counter for the given encoding name. An empty name selects
// DefaultEncoding.
func New(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, &rerrors.ConfigError{Msg: "unknown token encoding " + encoding, Err: err}
	}
	return &Counter{enc: enc}, nil
}

// MustNew panics if the encoding is unknown; useful in tests and examples.
func MustNew(encoding string) *Counter {
	c, err := New(encoding)
	if err != nil {
		panic(err)
	}
	return c
}

// Count returns the number of tokens s encodes to.
func (c *Counter) Count(s string) int {
	if s == "" {
		return 0
	}
	if v, ok := c.cache.Load(s); ok {
		return v.(int)
	}
	n := len(c.enc.Encode(s, nil, nil))
	// Only memoize short strings (section headers, delimiters); caching
	// full row bodies would grow the cache unboundedly for no benefit.
	if len(s) <= 256 {
		c.cache.Store(s, n)
	}
	return n
}

// CountLine counts s plus a trailing newline, counting the two parts
// separately.
func (c *Counter) CountLine(s string) int {
	return c.Count(s) + c.Count("\n")
}
