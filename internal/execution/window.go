// Package execution runs verification tools as sandboxed child processes
// and keeps their reports fed with resource samples.
//
// The Window takes the outermost lock of the server: callers must never
// invoke a Window method while holding a report borrow, or lock ordering
// inverts.
package execution

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

// DefaultMonitorTimeout is how long a run may go unmonitored before it is
// killed. Clients are expected to poll monitor well within this period.
const DefaultMonitorTimeout = time.Minute

// Window is the set of verification processes currently executing. A
// periodic UpdateStats call samples every run, enforces the monitoring
// timeout and reaps finished processes into their reports.
type Window struct {
	mu sync.Mutex

	archive        *archive.Archive
	running        []*Run
	monitorTimeout time.Duration

	// Host CPU totals bracketing the last sampling interval.
	prevHostTotal float64
	curHostTotal  float64
}

// NewWindow creates an empty execution window over the given archive. A
// non-positive monitorTimeout falls back to DefaultMonitorTimeout.
func NewWindow(a *archive.Archive, monitorTimeout time.Duration) *Window {
	if monitorTimeout <= 0 {
		monitorTimeout = DefaultMonitorTimeout
	}
	return &Window{archive: a, monitorTimeout: monitorTimeout}
}

// Size returns the number of live runs.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Empty reports whether no run is in flight.
func (w *Window) Empty() bool {
	return w.Size() == 0
}

// EnsureRun starts the report's verification process unless the report is
// already valid or already running, making resubmission of an identical
// verification a no-op. It returns whether a new process was started.
//
// The input files referenced by the report must have been checked into the
// workspace; the command line is expanded from the call schema with paths
// relative to the workspace directory, where the process is started.
func (w *Window) EnsureRun(id archive.ReportID, ws *workspace.Workspace, schema string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	toolPath, inputIDs, outputs, params, start, err := w.planRun(id)
	if err != nil || !start {
		return false, err
	}

	inputs := make([]string, 0, len(inputIDs))
	for _, fileID := range inputIDs {
		rel, ok := ws.RelativeFilePath(fileID)
		if !ok {
			return false, verrors.New(verrors.KindInternal, "execution.ensure_run",
				"input file %s missing from workspace %s", fileID, ws.ID())
		}
		inputs = append(inputs, rel)
	}
	command := ParseSchema(schema).Expand(toolPath, inputs, outputs, params)

	borrowed, ok := w.archive.BorrowReport(id)
	if !ok {
		return false, verrors.NotFound("execution.ensure_run", "Cannot access report.")
	}
	defer borrowed.Release()
	report := borrowed.Report()
	report.CallCommand = command

	run, err := newRun(report, id, ws)
	if err != nil {
		return false, verrors.New(verrors.KindSpawn, "execution.ensure_run",
			"Launching verification process failed: %v", err)
	}
	w.running = append(w.running, run)
	return true, nil
}

// planRun inspects the report under a short borrow and copies out what
// command expansion needs. start is false when the report already carries a
// valid result or a live process.
func (w *Window) planRun(id archive.ReportID) (toolPath string, inputIDs []archive.FileID, outputs, params []string, start bool, err error) {
	borrowed, ok := w.archive.BorrowReport(id)
	if !ok {
		return "", nil, nil, nil, false, verrors.NotFound("execution.plan_run", "Cannot access report.")
	}
	defer borrowed.Release()
	report := borrowed.Report()

	if report.Valid || report.Running {
		return "", nil, nil, nil, false, nil
	}
	inputIDs = append(inputIDs, report.InputFiles...)
	outputs = append(outputs, report.OutputNames...)
	params = append(params, report.Parameters...)
	return report.Tool.Path(), inputIDs, outputs, params, true, nil
}

// UpdateStats performs one observer tick: it refreshes the host CPU totals,
// appends a resource sample and the partial result to every live report,
// kills runs nobody has monitored within the timeout and finalises runs
// whose process has exited. It returns the IDs of reports finalised on
// this tick.
func (w *Window) UpdateStats() []archive.ReportID {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.rotateHostTotals()

	for _, run := range w.running {
		borrowed, ok := w.archive.BorrowReport(run.reportID)
		if !ok {
			continue
		}
		report := borrowed.Report()
		run.tryUpdateStats(report, now, w.prevHostTotal, w.curHostTotal)
		run.updatePartial(report)
		if now.Sub(report.LastMonitored) > w.monitorTimeout {
			run.kill("monitoring timeout")
		}
		borrowed.Release()
	}

	var finalised []archive.ReportID
	alive := w.running[:0]
	for _, run := range w.running {
		if run.isRunning() {
			alive = append(alive, run)
			continue
		}
		w.reap(run)
		finalised = append(finalised, run.reportID)
	}
	for i := len(alive); i < len(w.running); i++ {
		w.running[i] = nil
	}
	w.running = alive
	return finalised
}

func (w *Window) reap(run *Run) {
	if borrowed, ok := w.archive.BorrowReport(run.reportID); ok {
		run.finaliseReport(borrowed.Report())
		borrowed.Release()
	}
	run.close()
}

// KillProcess kills the run with the given process ID. It reports whether
// such a run existed; the kill itself is asynchronous and the next tick
// finalises the report.
func (w *Window) KillProcess(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, run := range w.running {
		if run.pid == pid {
			run.kill("killed on request")
			return true
		}
	}
	return false
}

// Shutdown kills and finalises every remaining run so workspace references
// are released before the server exits.
func (w *Window) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, run := range w.running {
		run.kill("server shutting down")
		w.reap(run)
	}
	w.running = nil
	log.Debug().Msg("Execution window drained")
}

// rotateHostTotals shifts the host CPU total pair one interval forward. On a
// read failure the previous pair is kept so the next successful read still
// brackets a sane interval.
func (w *Window) rotateHostTotals() {
	total, err := hostCPUTotal()
	if err != nil {
		log.Warn().Err(err).Msg("Could not read host CPU totals")
		return
	}
	w.prevHostTotal = w.curHostTotal
	w.curHostTotal = total
}
