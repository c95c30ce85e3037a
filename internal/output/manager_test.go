package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tanq16/prebuf/internal/utils"
)

func TestManagerLifecycle(t *testing.T) {
	var buf bytes.Buffer
	m := NewManagerTo(&buf)
	a := m.Register("https://cdn.example.com/a.mp4")
	b := m.Register("https://cdn.example.com/b.mp4")
	c := m.Register("https://cdn.example.com/c.mp4")

	m.Progress(a, utils.ProgressEvent{Buffered: 40, Speed: "1.00 MB/s"})
	m.Progress(a, utils.ProgressEvent{Buffered: 20})
	m.mutex.RLock()
	assert.Equal(t, 40, m.outputs[a].Percent)
	assert.Equal(t, "1.00 MB/s", m.outputs[a].Speed)
	m.mutex.RUnlock()

	lines := m.render()
	// a has a status line and a bar, b and c one line each
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[1], "40%")

	m.Complete(a, "")
	m.ReportError(b, errors.New("origin down"))
	m.Progress(b, utils.ProgressEvent{Buffered: 90})
	success, failed, total := m.Counts()
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, total)
	_ = c

	m.ShowSummary()
	out := buf.String()
	assert.Contains(t, out, "Buffered 1 of 3")
	assert.Contains(t, out, "Failed 1 of 3")
	assert.Contains(t, out, "origin down")
}

func TestDisplayStops(t *testing.T) {
	var buf bytes.Buffer
	m := NewManagerTo(&buf)
	id := m.Register("https://cdn.example.com/a.mp4")
	m.StartDisplay()
	m.Complete(id, "done a.mp4")
	m.StopDisplay()
	assert.True(t, strings.Contains(buf.String(), "done a.mp4"))
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, PrintProgressBar(50, 100, 10), "50%")
	assert.Contains(t, PrintProgressBar(200, 100, 10), "100%")
	assert.Contains(t, PrintProgressBar(-5, 0, 10), "0%")
}
