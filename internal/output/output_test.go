package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "1.50 MB", FormatBytes(1536*1024))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(100, 0))
	assert.Equal(t, "1.00 KB/s", FormatSpeed(2048, 2))
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, ProgressBar(50, 100, 10), "50.0%")
	assert.Contains(t, ProgressBar(500, 100, 10), "100.0%")
	assert.Contains(t, ProgressBar(5, 0, 10), "100.0%")
	assert.Equal(t, 5, strings.Count(ProgressBar(50, 100, 10), StyleSymbols["hline"]))
}

func TestManagerStaticOutput(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(false)
	m.SetOutput(&buf)
	m.StartDisplay()

	ok := m.Register("good.bin")
	bad := m.Register("bad.bin")
	m.UpdateProgress(ok, 50, 100)
	assert.Equal(t, "active", m.Status(ok))
	m.Complete(ok, "")
	m.ReportError(bad, errors.New("shard 1 failed"))
	m.StopDisplay()

	out := buf.String()
	assert.Contains(t, out, "Completed good.bin")
	assert.Contains(t, out, "Completed 1 of 2")
	assert.Contains(t, out, "Failed 1 of 2")
	assert.Contains(t, out, "shard 1 failed")
	assert.Equal(t, "success", m.Status(ok))
	assert.Equal(t, "error", m.Status(bad))
	assert.Equal(t, "unknown", m.Status(99))
	assert.Len(t, m.Errors(), 1)
}
