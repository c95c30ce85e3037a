package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/prebuf/internal/utils"
)

type entryStatus string

const (
	statusPending   entryStatus = "pending"
	statusBuffering entryStatus = "buffering"
	statusSuccess   entryStatus = "success"
	statusError     entryStatus = "error"
)

type BufferOutput struct {
	ID          int
	URL         string
	Status      entryStatus
	Percent     int
	Speed       string
	Message     string
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	URL   string
	Error error
	Time  time.Time
}

// Manager redraws one line per URL (plus a progress bar while buffering)
// on a fixed tick until StopDisplay.
type Manager struct {
	outputs     map[int]*BufferOutput
	mutex       sync.RWMutex
	out         io.Writer
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	count       int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return NewManagerTo(os.Stdout)
}

func NewManagerTo(w io.Writer) *Manager {
	return &Manager{
		outputs:     make(map[int]*BufferOutput),
		out:         w,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) Register(url string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.count++
	now := time.Now()
	m.outputs[m.count] = &BufferOutput{
		ID:          m.count,
		URL:         url,
		Status:      statusPending,
		StartTime:   now,
		LastUpdated: now,
	}
	return m.count
}

// Progress records a non-terminal event.
func (m *Manager) Progress(id int, ev utils.ProgressEvent) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, ok := m.outputs[id]; ok && info.Status != statusSuccess && info.Status != statusError {
		info.Status = statusBuffering
		info.Percent = max(info.Percent, ev.Buffered)
		if ev.Speed != "" {
			info.Speed = ev.Speed
		}
		info.Message = fmt.Sprintf("Buffering %s", info.URL)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, ok := m.outputs[id]; ok {
		if message == "" {
			message = fmt.Sprintf("Buffered %s", info.URL)
		}
		info.Message = message
		info.Percent = max(info.Percent, 100)
		info.Status = statusSuccess
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, ok := m.outputs[id]; ok {
		info.Status = statusError
		info.Error = err
		info.Message = fmt.Sprintf("Failed %s", info.URL)
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{URL: info.URL, Error: err, Time: time.Now()})
	}
}

func (m *Manager) Counts() (success, failed, total int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case statusSuccess:
			success++
		case statusError:
			failed++
		}
	}
	return success, failed, len(m.outputs)
}

func statusIndicator(status entryStatus) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case statusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case statusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status entryStatus, msg string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(msg)
	case statusError:
		return errorStyle.Render(msg)
	default:
		return pendingStyle.Render(msg)
	}
}

func (m *Manager) sorted() []*BufferOutput {
	all := make([]*BufferOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (m *Manager) render() []string {
	var lines []string
	indent := strings.Repeat(" ", 2)
	for _, info := range m.sorted() {
		elapsed := time.Since(info.StartTime).Round(time.Second)
		if info.Status == statusSuccess || info.Status == statusError {
			elapsed = info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		}
		msg := info.Message
		if info.Status == statusPending {
			msg = "Waiting..."
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, statusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, msg)))
		if info.Status == statusBuffering {
			bar := PrintProgressBar(int64(info.Percent), 100, 30)
			if info.Speed != "" {
				bar += debugStyle.Render(info.Speed)
			}
			lines = append(lines, indent+strings.Repeat(" ", 4)+bar)
		}
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	available := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render()
	if len(lines) > available && available > 0 {
		lines = lines[len(lines)-available:]
	}
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) ShowSummary() {
	success, failures, total := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	indent := strings.Repeat(" ", 2)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, indent+success2Style.Render(fmt.Sprintf("Buffered %d of %d", success, total)))
	if failures > 0 {
		fmt.Fprintln(m.out, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, indent+errorStyle.Bold(true).Render("Errors:"))
		for i, e := range m.errors {
			fmt.Fprintf(m.out, "%s%s %s %s\n", indent+"  ",
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
				errorStyle.Render(e.URL))
			fmt.Fprintf(m.out, "%s%s\n", indent+"    ", errorStyle.Render(fmt.Sprintf("Error: %v", e.Error)))
		}
	}
	fmt.Fprintln(m.out)
}
