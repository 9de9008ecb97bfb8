package shared

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
	closed   bool
	closeErr error
}

func (b *bufferHook) Close() error {
	b.closed = true
	return b.closeErr
}

func TestPrinter(t *testing.T) {
	a, b := &bufferHook{}, &bufferHook{}
	p, err := NewPrinter("| ", a, b)
	require.NoError(t, err)

	require.NoError(t, p.Write("model: gpt-realtime\nvoice: alloy", 1))
	require.NoError(t, p.Writeln("", 0))
	require.NoError(t, p.Writef(2, "🧑 You: %s", "hello"))

	want := "| model: gpt-realtime\n| voice: alloy\n| | 🧑 You: hello\n"
	assert.Equal(t, want, a.String())
	assert.Equal(t, want, b.String())
}

func TestPrinter_Close(t *testing.T) {
	a, b := &bufferHook{closeErr: errors.New("stdout closed")}, &bufferHook{}
	p, err := NewPrinter("  ", a, b)
	require.NoError(t, err)

	err = p.Close()

	assert.ErrorContains(t, err, "stdout closed")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNewPrinter_Invalid(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}

func TestNewWriteCloser(t *testing.T) {
	assert.Nil(t, NewWriteCloser(nil))
}
