package execution

import (
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

const (
	stdoutFileName    = "out"
	stderrFileName    = "err"
	partialResultFile = "partVerResult.txt"

	// parserFailed is reported when the output parser cannot be run at all.
	parserFailed = "ERROR"
)

// Run tracks one live verification process. It refers to its report by ID
// and the window re-borrows the report on every access, so a Run never holds
// a report pointer of its own. The workspace is retained for the lifetime of
// the run, which keeps the sandbox directory on disk even if the client lets
// the workspace expire mid-verification.
type Run struct {
	mu sync.Mutex

	reportID archive.ReportID
	ws       *workspace.Workspace

	cmd       *exec.Cmd
	pid       int
	startTime time.Time
	outPath   string
	errPath   string

	done     chan struct{}
	exitCode int
	endTime  time.Time

	prevUser float64
	prevSys  float64
}

// newRun spawns the report's call command inside the workspace directory.
// The caller must hold a borrow of the report; on success the report is
// marked running. The command is split on whitespace and executed directly,
// never through a shell.
func newRun(report *archive.Report, id archive.ReportID, ws *workspace.Workspace) (*Run, error) {
	if !ws.Retain() {
		return nil, stderrors.New("workspace is being torn down")
	}

	run := &Run{
		reportID:  id,
		ws:        ws,
		startTime: time.Now(),
		outPath:   filepath.Join(ws.CanonicalPath(), stdoutFileName),
		errPath:   filepath.Join(ws.CanonicalPath(), stderrFileName),
		done:      make(chan struct{}),
	}

	argv := strings.Fields(report.CallCommand)
	if len(argv) == 0 {
		ws.Release()
		return nil, stderrors.New("empty call command")
	}

	outFile, err := os.OpenFile(run.outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		ws.Release()
		return nil, err
	}
	errFile, err := os.OpenFile(run.errPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		outFile.Close()
		ws.Release()
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.CanonicalPath()
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	// Own process group so a kill reaches children the tool forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	outFile.Close()
	errFile.Close()
	if err != nil {
		ws.Release()
		return nil, err
	}

	run.cmd = cmd
	run.pid = cmd.Process.Pid
	go run.wait()

	report.Running = true
	report.PID = run.pid
	report.RunningResult = "Started."

	log.Info().
		Int("pid", run.pid).
		Str("workspace", string(ws.ID())).
		Str("command", report.CallCommand).
		Msg("Verification process started")
	return run, nil
}

func (r *Run) wait() {
	_ = r.cmd.Wait()
	r.mu.Lock()
	r.exitCode = r.cmd.ProcessState.ExitCode()
	r.endTime = time.Now()
	r.mu.Unlock()
	close(r.done)
}

// isRunning reports whether the child is still alive. A child whose stats
// can no longer be read is killed and treated as finished.
func (r *Run) isRunning() bool {
	select {
	case <-r.done:
		return false
	default:
	}
	if _, _, err := processTimes(r.pid); err != nil {
		r.kill("process stats unreadable")
		return false
	}
	return true
}

// kill sends SIGKILL to the whole process group. Safe to call more than
// once and after the child has exited.
func (r *Run) kill(reason string) {
	select {
	case <-r.done:
		return
	default:
	}
	log.Info().Int("pid", r.pid).Str("reason", reason).Msg("Killing verification process")
	if err := unix.Kill(-r.pid, unix.SIGKILL); err != nil {
		// Group already gone; try the process itself.
		_ = r.cmd.Process.Kill()
	}
}

// tryUpdateStats appends one resource sample to the borrowed report. When
// any reading fails the sample is skipped; a later tick will retry or reap
// the run.
func (r *Run) tryUpdateStats(report *archive.Report, now time.Time, hostBefore, hostAfter float64) {
	user, system, err := processTimes(r.pid)
	if err != nil {
		return
	}
	vsize, rss, err := processMemory(r.pid)
	if err != nil {
		return
	}
	free, freePct, err := freeMemory()
	if err != nil {
		return
	}

	r.mu.Lock()
	sample := archive.ResourceSample{
		CPUUserPct: cpuUsage(r.prevUser, user, hostBefore, hostAfter),
		CPUSysPct:  cpuUsage(r.prevSys, system, hostBefore, hostAfter),
		VSize:      vsize,
		RSS:        rss,
		MemFree:    free,
		MemFreePct: freePct,
	}
	r.prevUser = user
	r.prevSys = system
	r.mu.Unlock()

	report.AppendSample(now, sample)
}

// updatePartial refreshes the report's partial verification result from the
// well-known file the tool may maintain in its workspace.
func (r *Run) updatePartial(report *archive.Report) {
	content, err := os.ReadFile(filepath.Join(r.ws.CanonicalPath(), partialResultFile))
	if err != nil {
		return
	}
	report.PartVerResult = string(content)
}

// finaliseReport waits for the child to be reaped and fills in the
// post-mortem fields of the borrowed report, ending with Valid=true so the
// result becomes servable from the archive.
func (r *Run) finaliseReport(report *archive.Report) {
	<-r.done

	r.mu.Lock()
	exitCode := r.exitCode
	runTime := r.endTime.Sub(r.startTime)
	r.mu.Unlock()

	report.ReturnCode = exitCode

	if out, err := os.ReadFile(r.outPath); err == nil {
		report.StdOutput = string(out)
	} else {
		_ = os.WriteFile(r.outPath, nil, 0o644)
	}
	if errOut, err := os.ReadFile(r.errPath); err == nil {
		report.ErrOutput = string(errOut)
	} else {
		_ = os.WriteFile(r.errPath, nil, 0o644)
	}

	report.ParsedOutput = r.parseOutput(report)
	report.RunTime = runTime
	report.PeakMemory = report.PeakVSize()
	report.Date = r.startTime
	r.updatePartial(report)
	report.Running = false
	report.RunningResult = "Verification finished."
	report.Valid = true

	log.Info().
		Int("pid", r.pid).
		Int("returnCode", exitCode).
		Dur("runTime", runTime).
		Msg("Verification finished")
}

// parseOutput runs the tool's output parser over the captured streams. The
// parser runs from the server working directory, receives the absolute out
// and err paths plus the return code, and its stdout becomes the parsed
// result. A parser that cannot be started yields "ERROR"; a parser that
// exits non-zero still contributes whatever it printed.
func (r *Run) parseOutput(report *archive.Report) string {
	parser := report.Tool.OutputParser()
	if !filepath.IsAbs(parser) {
		parser = "./" + parser
	}
	out, err := exec.Command(parser, r.outPath, r.errPath, strconv.Itoa(report.ReturnCode)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(err, &exitErr) {
			log.Error().Err(err).Str("parser", parser).Msg("Output parser could not be run")
			return parserFailed
		}
	}
	return string(out)
}

// close drops the run's workspace reference. Called once the run has been
// removed from the window.
func (r *Run) close() {
	r.ws.Release()
}
