package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/execution"
	"github.com/tkratochvila/VerifyServer/internal/history"
	"github.com/tkratochvila/VerifyServer/internal/oslc"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

// toolScript prepends the version probe every tool must answer.
func toolScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	guard := `if [ "$1" = "--version" ]; then echo tool version 1.0; exit 0; fi`
	return writeScript(t, dir, name, guard+"\n"+body)
}

func pinAddress(t *testing.T, addr string) {
	t.Helper()
	orig := getLocalAddress
	getLocalAddress = func() string { return addr }
	t.Cleanup(func() { getLocalAddress = orig })
}

type fixture struct {
	dir     string
	kit     *toolkit.ToolKit
	svc     *Service
	journal *history.Store
}

func newFixture(t *testing.T, tools ...*toolkit.Tool) *fixture {
	t.Helper()
	pinAddress(t, "10.1.2.3")

	dir := t.TempDir()
	kit := toolkit.New()
	for _, tool := range tools {
		require.True(t, kit.Insert(tool))
	}

	arch, err := archive.New(filepath.Join(dir, "reports"), filepath.Join(dir, "files"))
	require.NoError(t, err)
	manager, err := workspace.NewManager(filepath.Join(dir, "workspaces"), time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	window := execution.NewWindow(arch, time.Minute)
	journal, err := history.New(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	svc := New(Options{
		ToolKit:     kit,
		Archive:     arch,
		Manager:     manager,
		Window:      window,
		ObserveTick: 20 * time.Millisecond,
		Journal:     journal,
	})
	t.Cleanup(svc.Shutdown)

	return &fixture{dir: dir, kit: kit, svc: svc, journal: journal}
}

// checker builds a single-instance tool running the given script body.
func checker(t *testing.T, dir, body string) *toolkit.Tool {
	t.Helper()
	parser := writeScript(t, dir, "parser", `echo "parsed rc=$3"`)
	path := toolScript(t, dir, "checker", body)
	tool := toolkit.NewTool("checker", path, parser, true)
	tool.AddCapability("smv")
	return tool
}

func (f *fixture) verifyPayload(fileIDs ...archive.FileID) oslc.VerifyPayload {
	inputs := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		inputs = append(inputs, id.String())
	}
	return oslc.VerifyPayload{
		ToolName:   "checker",
		InputFiles: inputs,
		Parameters: []string{"-x"},
		Schema:     "i0,p0",
		PlanName:   "req-42/battery-check",
	}
}

func (f *fixture) awaitFinished(t *testing.T, ws workspace.ID, report archive.ReportID) string {
	t.Helper()
	var doc string
	require.Eventually(t, func() bool {
		got, err := f.svc.MonitoringDocument(ws, report)
		if err != nil {
			return false
		}
		doc = got
		return strings.Contains(doc, "Verification finished.")
	}, 10*time.Second, 50*time.Millisecond)
	return doc
}

func TestCreateWorkspaceReservesTool(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	id, webPath, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, webPath, "workspace"+string(id))
	assert.False(t, f.kit.IsToolFree("checker"))

	// The tool is single-instance: a second workspace cannot reserve it
	// until the first lets go.
	_, _, err = f.svc.CreateWorkspace("checker")
	require.Error(t, err)
	assert.Equal(t, verrors.KindReservation, verrors.KindOf(err))

	require.NoError(t, f.svc.DestroyWorkspace(id))
	assert.True(t, f.kit.IsToolFree("checker"))

	id2, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	require.NoError(t, f.svc.DestroyWorkspace(id2))

	_, _, err = f.svc.CreateWorkspace("nonexistent")
	require.Error(t, err)
	assert.Equal(t, verrors.KindReservation, verrors.KindOf(err))
}

func TestDestroyWorkspaceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	require.NoError(t, f.svc.DestroyWorkspace("never-created"))

	id, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	require.NoError(t, f.svc.DestroyWorkspace(id))
	require.NoError(t, f.svc.DestroyWorkspace(id))
}

func TestAddFileDeduplicatesContent(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	id, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)

	isNew, first, err := f.svc.AddFile(id, "model.smv", []byte("MODULE main\n"))
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, second, err := f.svc.AddFile(id, "copy.smv", []byte("MODULE main\n"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first, second)

	_, _, err = f.svc.AddFile("missing", "x", []byte("y"))
	require.Error(t, err)
	assert.Equal(t, "Workspace does not exist: missing", err.Error())
}

func TestVerifyRunsAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "echo checked\nexit 0"))

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	_, fileID, err := f.svc.AddFile(ws, "model.smv", []byte("MODULE main\n"))
	require.NoError(t, err)

	started, report, err := f.svc.Verify(ws, f.verifyPayload(fileID))
	require.NoError(t, err)
	assert.True(t, started)

	doc := f.awaitFinished(t, ws, report)
	assert.Contains(t, doc, "<dcterms:title>Process ID</dcterms:title>")
	assert.Contains(t, doc, "<dcterms:title>req-42/battery-check</dcterms:title>")
	assert.Contains(t, doc, "10.1.2.3 Standard Output")

	// An equivalent request hits the valid report and starts nothing.
	started, again, err := f.svc.Verify(ws, f.verifyPayload(fileID))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, report, again)
}

func TestVerifyWhileRunningDoesNotRestart(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "sleep 30"))

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	_, fileID, err := f.svc.AddFile(ws, "model.smv", []byte("MODULE main\n"))
	require.NoError(t, err)

	started, report, err := f.svc.Verify(ws, f.verifyPayload(fileID))
	require.NoError(t, err)
	require.True(t, started)

	started, again, err := f.svc.Verify(ws, f.verifyPayload(fileID))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, report, again)

	require.NoError(t, f.svc.KillTask(ws, report))
	f.awaitFinished(t, ws, report)
}

func TestVerifyRejectsUnknownAndWrongTools(t *testing.T) {
	dir := t.TempDir()
	other := toolkit.NewTool("prover", toolScript(t, dir, "prover", "exit 0"), "parser", false)
	f := newFixture(t, checker(t, dir, "exit 0"), other)

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)

	payload := f.verifyPayload()
	payload.ToolName = "unknown-tool"
	_, _, err = f.svc.Verify(ws, payload)
	require.Error(t, err)
	assert.Equal(t, "Cannot verify: Unknown tool. (unknown-tool)", err.Error())

	payload.ToolName = "prover"
	_, _, err = f.svc.Verify(ws, payload)
	require.Error(t, err)
	assert.Equal(t, "Invalid tool requested. Requested prover but reserved checker", err.Error())
}

func TestVerifyRejectsForeignInputIDs(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)

	payload := f.verifyPayload()
	payload.InputFiles = []string{"notanumber"}
	_, _, err = f.svc.Verify(ws, payload)
	require.Error(t, err)
	assert.Equal(t, "Invalid input file ID specified: notanumber", err.Error())

	// A well-formed ID the workspace never checked in is rejected the same way.
	payload.InputFiles = []string{"12345"}
	_, _, err = f.svc.Verify(ws, payload)
	require.Error(t, err)
	assert.Equal(t, "Invalid input file ID specified: 12345", err.Error())
}

func TestMonitoringDocumentGuardsAccess(t *testing.T) {
	dir := t.TempDir()
	shared := toolkit.NewTool("checker", toolScript(t, dir, "checker", "echo ok"),
		writeScript(t, dir, "parser", `echo parsed`), false)
	shared.AddCapability("smv")
	f := newFixture(t, shared)

	first, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	second, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)

	_, fileID, err := f.svc.AddFile(first, "model.smv", []byte("MODULE main\n"))
	require.NoError(t, err)
	_, report, err := f.svc.Verify(first, f.verifyPayload(fileID))
	require.NoError(t, err)

	_, err = f.svc.MonitoringDocument(second, report)
	require.Error(t, err)
	assert.Equal(t, "Cannot access report.", err.Error())

	_, err = f.svc.MonitoringDocument(first, report)
	require.NoError(t, err)
}

func TestKillTaskGuardsAccess(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)

	err = f.svc.KillTask(ws, archive.ReportID(12345))
	require.Error(t, err)
	assert.Equal(t, "The report id that should be killed cannot be accessed: 12345", err.Error())
}

func TestAvailabilityStringFormat(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	assert.Equal(t, "smv yes\n - checker yes\n", f.svc.AvailabilityString())

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	assert.Equal(t, "smv busy\n - checker busy\n", f.svc.AvailabilityString())

	require.NoError(t, f.svc.DestroyWorkspace(ws))
	assert.Equal(t, "smv yes\n - checker yes\n", f.svc.AvailabilityString())
}

func TestLifecycleEventsAreJournaled(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "echo done"))

	ws, _, err := f.svc.CreateWorkspace("checker")
	require.NoError(t, err)
	_, fileID, err := f.svc.AddFile(ws, "model.smv", []byte("MODULE main\n"))
	require.NoError(t, err)
	_, report, err := f.svc.Verify(ws, f.verifyPayload(fileID))
	require.NoError(t, err)
	f.awaitFinished(t, ws, report)

	events, err := f.svc.RecentEvents(50)
	require.NoError(t, err)

	types := make([]history.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, history.EventWorkspaceCreated)
	assert.Contains(t, types, history.EventFileAdded)
	assert.Contains(t, types, history.EventVerificationStarted)
	assert.Contains(t, types, history.EventVerificationDone)
}

func TestStateSnapshot(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, checker(t, dir, "exit 0"))

	state, ok := f.svc.State().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", state["address"])
	assert.Equal(t, 1, state["tools"])
	assert.Equal(t, 0, state["runningTasks"])
	assert.Equal(t, "10.1.2.3", f.svc.Address())
}
