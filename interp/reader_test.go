package interp

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLinesLongLine(t *testing.T) {
	// R prints a large result as one line; it must arrive whole, without
	// failing the stream
	long := strings.Repeat("x", 2*1024*1024)
	q := NewLineQueue()
	ReadLines(testLogger(t), io.NopCloser(strings.NewReader(long+"\nnext\n")), q)

	line, ok := q.TryRecv()
	require.True(t, ok)
	assert.Len(t, line, len(long))

	line, ok = q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "next", line)

	closed, err := q.Closed()
	assert.True(t, closed)
	assert.NoError(t, err)
}

func TestReadLinesFinalLineWithoutNewline(t *testing.T) {
	q := NewLineQueue()
	ReadLines(testLogger(t), io.NopCloser(strings.NewReader("a\r\nb")), q)

	line, ok := q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "a", line)

	line, ok = q.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "b", line)

	_, ok = q.TryRecv()
	assert.False(t, ok)
}
