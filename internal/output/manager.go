package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type JobOutput struct {
	ID          int
	Label       string
	Status      string // pending, active, success, error, warning
	Message     string
	Progress    string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager renders one line per download job, redrawing in place on a terminal.
// Without a terminal (live == false) only completions are printed.
type Manager struct {
	out         io.Writer
	outputs     map[int]*JobOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	jobCount    int
	displayWg   sync.WaitGroup
	live        bool
}

func NewManager(live bool) *Manager {
	return &Manager{
		out:         os.Stdout,
		outputs:     make(map[int]*JobOutput),
		doneCh:      make(chan struct{}),
		displayTick: 200 * time.Millisecond,
		live:        live,
	}
}

// SetOutput redirects everything the manager prints.
func (m *Manager) SetOutput(w io.Writer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.out = w
}

func (m *Manager) Register(label string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobCount++
	m.outputs[m.jobCount] = &JobOutput{
		ID:          m.jobCount,
		Label:       label,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.jobCount
}

func (m *Manager) update(id int, fn func(info *JobOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		fn(info)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(id int, message string) {
	m.update(id, func(info *JobOutput) { info.Message = message })
}

func (m *Manager) SetStatus(id int, status string) {
	m.update(id, func(info *JobOutput) { info.Status = status })
}

func (m *Manager) Status(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

// UpdateProgress replaces the job's progress line with a bar and average speed.
func (m *Manager) UpdateProgress(id int, downloaded, total int64) {
	m.update(id, func(info *JobOutput) {
		elapsed := time.Since(info.StartTime).Seconds()
		info.Status = "active"
		info.Progress = fmt.Sprintf("%s%s %s %s",
			ProgressBar(downloaded, total, 30),
			debugStyle.Render(FormatBytes(uint64(max(downloaded, 0)))+" / "+FormatBytes(uint64(max(total, 0)))),
			StyleSymbols["bullet"],
			debugStyle.Render(FormatSpeed(downloaded, elapsed)))
	})
}

func (m *Manager) Complete(id int, message string) {
	m.update(id, func(info *JobOutput) {
		info.Progress = ""
		info.Message = message
		if message == "" {
			info.Message = fmt.Sprintf("Completed %s", info.Label)
		}
		info.Complete = true
		info.Status = "success"
	})
	m.printStatic(id)
}

func (m *Manager) ReportError(id int, err error) {
	m.update(id, func(info *JobOutput) {
		info.Complete = true
		info.Status = "error"
		info.Error = err
		info.Progress = ""
		m.errors = append(m.errors, ErrorReport{Label: info.Label, Error: err, Time: time.Now()})
	})
	m.printStatic(id)
}

func (m *Manager) Errors() []ErrorReport {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]ErrorReport(nil), m.errors...)
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) styledMessage(info *JobOutput) string {
	switch info.Status {
	case "success":
		return successStyle.Render(info.Message)
	case "error":
		return errorStyle.Render(info.Message)
	case "warning":
		return warningStyle.Render(info.Message)
	default:
		return pendingStyle.Render(info.Message)
	}
}

func (m *Manager) sortedJobs() []*JobOutput {
	jobs := make([]*JobOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		jobs = append(jobs, info)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

func (m *Manager) renderJob(info *JobOutput) []string {
	elapsed := time.Since(info.StartTime).Round(time.Second)
	if info.Complete {
		elapsed = info.LastUpdated.Sub(info.StartTime).Round(time.Second)
	}
	lines := []string{fmt.Sprintf("  %s %s %s", m.statusIndicator(info.Status), debugStyle.Render(elapsed.String()), m.styledMessage(info))}
	if info.Progress != "" {
		lines = append(lines, "      "+info.Progress)
	}
	return lines
}

// printStatic writes a finished job once when there is no live display to do it.
func (m *Manager) printStatic(id int) {
	if m.live {
		return
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		for _, line := range m.renderJob(info) {
			fmt.Fprintln(m.out, line)
		}
	}
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	available := terminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	var lines []string
	for _, info := range m.sortedJobs() {
		lines = append(lines, m.renderJob(info)...)
	}
	if len(lines) > available {
		lines = lines[len(lines)-available:]
	}
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	if !m.live {
		return
	}
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
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.ShowSummary()
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var success, failures int
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "error":
			failures++
		}
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if failures == 0 {
		fmt.Fprintln(m.out)
		return
	}
	fmt.Fprintln(m.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Label))
		fmt.Fprintf(m.out, "      %s\n", errorStyle.Render(strings.TrimSpace(report.Error.Error())))
	}
	fmt.Fprintln(m.out)
}
