package tokencount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterDeterministic(t *testing.T) {
	c, err := New(DefaultEncoding)
	require.NoError(t, err)

	a := c.Count("the quick brown fox")
	b := c.Count("the quick brown fox")
	require.Equal(t, a, b)
	require.Positive(t, a)
}

func TestCounterEmptyString(t *testing.T) {
	c := MustNew("")
	require.Equal(t, 0, c.Count(""))
}

func TestCountLineIncludesNewline(t *testing.T) {
	c := MustNew(DefaultEncoding)
	require.Equal(t, c.Count("abc")+c.Count("\n"), c.CountLine("abc"))
}

func TestNewUnknownEncoding(t *testing.T) {
	_, err := New("not-a-real-encoding")
	require.Error(t, err)
}
