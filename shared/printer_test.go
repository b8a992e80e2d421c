package shared

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrinter(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)

	p, err := NewPrinter("  ", NewWriteCloser(new(bytes.Buffer)))
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	var a, b bytes.Buffer
	p, err := NewPrinter("│ ", NewWriteCloser(&a), NewWriteCloser(&b))
	require.NoError(t, err)

	require.NoError(t, p.Writeln("one\ntwo", 1))
	require.NoError(t, p.Write("three", 0))

	assert.Equal(t, "│ one\n│ two\nthree", a.String())
	assert.Equal(t, a.String(), b.String())
}

func TestPrinterBlock(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter("  ", NewWriteCloser(&buf))
	require.NoError(t, err)

	require.NoError(t, p.Block("event", "type: response.create\nevent_id: abc\n", 0))
	assert.Equal(t, "event\n  type: response.create\n  event_id: abc\n", buf.String())
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestPrinterCloseForwardsToClosers(t *testing.T) {
	rec := new(closeRecorder)
	p, err := NewPrinter("", NewWriteCloser(rec), NewWriteCloser(new(bytes.Buffer)))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, rec.closed)
}
