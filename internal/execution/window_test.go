package execution

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gomem "github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// restoreSampling saves the sampling wrappers and restores them when the
// test finishes so stubs cannot leak across tests.
func restoreSampling(t *testing.T) {
	t.Helper()
	origCPU := hostCPUTimes
	origMem := virtualMemory
	origProcTimes := processTimes
	origProcMem := processMemory
	t.Cleanup(func() {
		hostCPUTimes = origCPU
		virtualMemory = origMem
		processTimes = origProcTimes
		processMemory = origProcMem
	})
}

// harness wires a one-tool toolkit, an archive holding one input file, a
// workspace with that file checked in and an execution window, which is how
// the verification service assembles them.
type harness struct {
	archive *archive.Archive
	tool    *toolkit.Tool
	ws      *workspace.Workspace
	fileID  archive.FileID
	window  *Window
}

func newHarness(t *testing.T, toolBody, parser string, monitorTimeout time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	guarded := "if [ \"$1\" = \"--version\" ]; then echo checker version 1.0; exit 0; fi\n" + toolBody
	toolPath := writeScript(t, dir, "checker", guarded)
	if parser == "" {
		parser = "missing-parser"
	}
	tool := toolkit.NewTool("checker", toolPath, parser, true)
	kit := toolkit.New()
	require.True(t, kit.Insert(tool))

	a, err := archive.New(filepath.Join(dir, "reports"), filepath.Join(dir, "files"))
	require.NoError(t, err)

	manager, err := workspace.NewManager(filepath.Join(dir, "workspaces"), time.Minute, time.Minute)
	require.NoError(t, err)
	t.Cleanup(manager.Shutdown)

	reservation, err := kit.Reserve("checker")
	require.NoError(t, err)
	_, ws, err := manager.Create(reservation)
	require.NoError(t, err)
	t.Cleanup(ws.Release)

	_, fileID, err := a.InsertFile([]byte("MODULE main\n"))
	require.NoError(t, err)
	require.NoError(t, ws.CheckinFile(a, fileID, "in.smv"))

	w := NewWindow(a, monitorTimeout)
	t.Cleanup(w.Shutdown)

	return &harness{archive: a, tool: tool, ws: ws, fileID: fileID, window: w}
}

func (h *harness) insertReport(t *testing.T, params []string, schema string) archive.ReportID {
	t.Helper()
	_, id := h.archive.InsertReport(h.tool, params, []archive.FileID{h.fileID}, "plan-1", "127.0.0.1", OutputArity(schema))
	return id
}

// withReport runs fn under a report borrow. Window methods must not be
// called from inside fn.
func (h *harness) withReport(t *testing.T, id archive.ReportID, fn func(*archive.Report)) {
	t.Helper()
	borrowed, ok := h.archive.BorrowReport(id)
	require.True(t, ok)
	defer borrowed.Release()
	fn(borrowed.Report())
}

func (h *harness) awaitReaped(t *testing.T) []archive.ReportID {
	t.Helper()
	var finalised []archive.ReportID
	require.Eventually(t, func() bool {
		finalised = append(finalised, h.window.UpdateStats()...)
		return h.window.Empty()
	}, 10*time.Second, 20*time.Millisecond)
	return finalised
}

func TestEnsureRunRunsToolAndFinalises(t *testing.T) {
	dir := t.TempDir()
	parser := writeScript(t, dir, "parse_out", `echo "parsed rc=$3"`)
	h := newHarness(t, "echo hello\necho oops >&2\nprintf partial > partVerResult.txt\nexit 3", parser, time.Minute)
	id := h.insertReport(t, []string{"-x"}, "i0,p0")

	started, err := h.window.EnsureRun(id, h.ws, "i0,p0")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 1, h.window.Size())

	h.withReport(t, id, func(r *archive.Report) {
		assert.True(t, r.Running)
		assert.Equal(t, "Started.", r.RunningResult)
		assert.NotEqual(t, archive.PIDUnset, r.PID)
		assert.Equal(t, h.tool.Path()+" in.smv -x", r.CallCommand)
	})

	finalised := h.awaitReaped(t)
	assert.Equal(t, []archive.ReportID{id}, finalised)

	h.withReport(t, id, func(r *archive.Report) {
		assert.True(t, r.Valid)
		assert.False(t, r.Running)
		assert.Equal(t, 3, r.ReturnCode)
		assert.Equal(t, "hello\n", r.StdOutput)
		assert.Equal(t, "oops\n", r.ErrOutput)
		assert.Equal(t, "partial", r.PartVerResult)
		assert.Equal(t, "parsed rc=3\n", r.ParsedOutput)
		assert.Equal(t, "Verification finished.", r.RunningResult)
		assert.False(t, r.Date.IsZero())
		assert.GreaterOrEqual(t, r.RunTime, time.Duration(0))
	})

	_, err = os.Stat(filepath.Join(h.ws.CanonicalPath(), stdoutFileName))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.ws.CanonicalPath(), stderrFileName))
	assert.NoError(t, err)
}

func TestEnsureRunIsIdempotentWhileRunning(t *testing.T) {
	h := newHarness(t, "sleep 30", "", time.Minute)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)

	started, err = h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 1, h.window.Size())
}

func TestEnsureRunSkipsValidReport(t *testing.T) {
	h := newHarness(t, "exit 0", "", time.Minute)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)
	h.awaitReaped(t)

	var firstPID int
	h.withReport(t, id, func(r *archive.Report) {
		require.True(t, r.Valid)
		firstPID = r.PID
	})

	started, err = h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	assert.False(t, started)
	assert.True(t, h.window.Empty())

	h.withReport(t, id, func(r *archive.Report) {
		assert.False(t, r.Running)
		assert.Equal(t, firstPID, r.PID)
	})
}

func TestEnsureRunSpawnFailureLeavesReportRestartable(t *testing.T) {
	h := newHarness(t, "exit 0", "", time.Minute)
	id := h.insertReport(t, nil, "i0")

	require.NoError(t, os.Chmod(h.tool.Path(), 0o644))
	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.Error(t, err)
	assert.False(t, started)
	assert.True(t, stderrors.Is(err, verrors.ErrSpawnFailed))
	assert.Contains(t, err.Error(), "Launching verification process failed: ")
	assert.True(t, h.window.Empty())

	h.withReport(t, id, func(r *archive.Report) {
		assert.False(t, r.Running)
		assert.False(t, r.Valid)
		assert.Equal(t, archive.PIDUnset, r.PID)
	})

	require.NoError(t, os.Chmod(h.tool.Path(), 0o755))
	started, err = h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	assert.True(t, started)
	h.awaitReaped(t)
	h.withReport(t, id, func(r *archive.Report) {
		assert.True(t, r.Valid)
	})
}

func TestUnmonitoredRunIsKilled(t *testing.T) {
	h := newHarness(t, "sleep 30", "", 50*time.Millisecond)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)

	time.Sleep(80 * time.Millisecond)
	h.awaitReaped(t)

	h.withReport(t, id, func(r *archive.Report) {
		assert.True(t, r.Valid)
		assert.False(t, r.Running)
		assert.Equal(t, -1, r.ReturnCode)
		assert.Equal(t, "Verification finished.", r.RunningResult)
	})
}

func TestMonitoringKeepsRunAlive(t *testing.T) {
	h := newHarness(t, "sleep 30", "", 500*time.Millisecond)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)

	for i := 0; i < 15; i++ {
		time.Sleep(50 * time.Millisecond)
		h.withReport(t, id, func(r *archive.Report) {
			_ = r.MonitoringSnapshot()
		})
		h.window.UpdateStats()
	}
	assert.Equal(t, 1, h.window.Size())
}

func TestKillProcessByPID(t *testing.T) {
	h := newHarness(t, "sleep 30", "", time.Minute)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)

	var pid int
	h.withReport(t, id, func(r *archive.Report) {
		pid = r.PID
	})

	assert.False(t, h.window.KillProcess(1))
	require.True(t, h.window.KillProcess(pid))
	h.awaitReaped(t)

	h.withReport(t, id, func(r *archive.Report) {
		assert.True(t, r.Valid)
		assert.Equal(t, -1, r.ReturnCode)
	})
}

func TestUpdateStatsAppendsSamples(t *testing.T) {
	restoreSampling(t)

	hostTotal := 1000.0
	hostCPUTimes = func(percpu bool) ([]gocpu.TimesStat, error) {
		hostTotal += 10
		return []gocpu.TimesStat{{User: hostTotal}}, nil
	}
	procCPU := 0.0
	processTimes = func(pid int) (float64, float64, error) {
		procCPU += 0.5
		return procCPU, procCPU / 5, nil
	}
	var vsize uint64
	processMemory = func(pid int) (uint64, uint64, error) {
		vsize += 100 << 20
		return vsize, 50 << 20, nil
	}
	virtualMemory = func() (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{Total: 16 << 30, Free: 4 << 30}, nil
	}

	h := newHarness(t, "sleep 30", "", time.Minute)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)

	h.window.UpdateStats()
	h.window.UpdateStats()

	h.withReport(t, id, func(r *archive.Report) {
		require.Len(t, r.Resources, 3) // the zero sample plus one per tick
		first := r.Resources[1].Sample
		second := r.Resources[2].Sample
		assert.Equal(t, uint64(100<<20), first.VSize)
		assert.Equal(t, uint64(200<<20), second.VSize)
		assert.Equal(t, uint64(50<<20), second.RSS)
		assert.Equal(t, uint64(4<<30), second.MemFree)
		assert.InDelta(t, 25.0, second.MemFreePct, 1e-9)
		assert.InDelta(t, 10.0, second.CPUUserPct, 1e-6)
		assert.InDelta(t, 2.0, second.CPUSysPct, 1e-6)
		assert.Equal(t, uint64(200<<20), r.PeakVSize())
	})

	h.window.Shutdown()
	assert.True(t, h.window.Empty())
	h.withReport(t, id, func(r *archive.Report) {
		assert.True(t, r.Valid)
		assert.Equal(t, -1, r.ReturnCode)
		assert.Equal(t, uint64(200<<20), r.PeakMemory)
	})
}

func TestShutdownDrainsAllRuns(t *testing.T) {
	h := newHarness(t, "sleep 30", "", time.Minute)
	first := h.insertReport(t, []string{"-a"}, "i0,p0")
	second := h.insertReport(t, []string{"-b"}, "i0,p0")
	require.NotEqual(t, first, second)

	for _, id := range []archive.ReportID{first, second} {
		started, err := h.window.EnsureRun(id, h.ws, "i0,p0")
		require.NoError(t, err)
		require.True(t, started)
	}
	require.Equal(t, 2, h.window.Size())

	h.window.Shutdown()
	assert.True(t, h.window.Empty())
	for _, id := range []archive.ReportID{first, second} {
		h.withReport(t, id, func(r *archive.Report) {
			assert.True(t, r.Valid)
			assert.False(t, r.Running)
		})
	}
}

func TestParserFailureYieldsError(t *testing.T) {
	h := newHarness(t, "exit 0", "definitely-not-a-parser", time.Minute)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)
	h.awaitReaped(t)

	h.withReport(t, id, func(r *archive.Report) {
		assert.Equal(t, parserFailed, r.ParsedOutput)
	})
}

func TestParserNonZeroExitKeepsOutput(t *testing.T) {
	dir := t.TempDir()
	parser := writeScript(t, dir, "flaky_parser", "echo limped\nexit 2")
	h := newHarness(t, "exit 0", parser, time.Minute)
	id := h.insertReport(t, nil, "i0")

	started, err := h.window.EnsureRun(id, h.ws, "i0")
	require.NoError(t, err)
	require.True(t, started)
	h.awaitReaped(t)

	h.withReport(t, id, func(r *archive.Report) {
		assert.Equal(t, "limped\n", r.ParsedOutput)
	})
}
