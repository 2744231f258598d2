package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkratochvila/VerifyServer/internal/fingerprint"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "archiveReports"), filepath.Join(dir, "archiveFiles"))
	require.NoError(t, err)
	return a
}

func newTestTool(t *testing.T, name string) *toolkit.Tool {
	t.Helper()
	script := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho tool version 1.0\n"), 0o755))
	return toolkit.NewTool(name, script, "parser.sh", false)
}

func TestInsertFileDedup(t *testing.T) {
	a := newTestArchive(t)

	isNew, id, err := a.InsertFile([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.True(t, a.HasFile(id))

	again, sameID, err := a.InsertFile([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, id, sameID)

	path := a.FilePath(id)
	require.NotEqual(t, FileUnavailable, path)
	assert.Equal(t, "tmp_"+id.String(), filepath.Base(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)
}

func TestFilePathUnknownID(t *testing.T) {
	a := newTestArchive(t)
	assert.Equal(t, FileUnavailable, a.FilePath(FileID(42)))
	assert.False(t, a.HasFile(FileID(42)))
}

func TestStartupPurgeKeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	fileDir := filepath.Join(dir, "archiveFiles")
	require.NoError(t, os.MkdirAll(fileDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fileDir, "tmp_123"), []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fileDir, "notes.txt"), []byte("keep"), 0o644))

	_, err := New(filepath.Join(dir, "archiveReports"), fileDir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(fileDir, "tmp_123"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(fileDir, "notes.txt"))
	assert.NoError(t, err)
}

func TestInsertReportInitialState(t *testing.T) {
	a := newTestArchive(t)
	tool := newTestTool(t, "checker")

	isNew, id := a.InsertReport(tool, []string{"-x"}, []FileID{7}, "plan", "127.0.0.1", 2)
	require.True(t, isNew)
	require.True(t, a.HasReport(id))

	br, ok := a.BorrowReport(id)
	require.True(t, ok)
	defer br.Release()

	r := br.Report()
	assert.Equal(t, ReturnCodeUnset, r.ReturnCode)
	assert.Equal(t, PIDUnset, r.PID)
	assert.Equal(t, "Not started.", r.RunningResult)
	assert.False(t, r.Valid)
	assert.False(t, r.Running)
	require.Len(t, r.Resources, 1)
	assert.Equal(t, ResourceSample{}, r.Resources[0].Sample)
	assert.Len(t, r.OutputNames, 2)
	assert.NotEqual(t, r.OutputNames[0], r.OutputNames[1])
	assert.Equal(t, "plan", r.PlanName)
	assert.Equal(t, "127.0.0.1", r.Address)
}

func TestInsertReportDedup(t *testing.T) {
	a := newTestArchive(t)
	tool := newTestTool(t, "checker")

	isNew, id := a.InsertReport(tool, []string{"-x"}, []FileID{7}, "plan", "addr", 1)
	require.True(t, isNew)

	again, sameID := a.InsertReport(tool, []string{"-x"}, []FileID{7}, "plan", "addr", 1)
	assert.False(t, again)
	assert.Equal(t, id, sameID)

	other, otherID := a.InsertReport(tool, []string{"-y"}, []FileID{7}, "plan", "addr", 1)
	assert.True(t, other)
	assert.NotEqual(t, id, otherID)
}

func TestBorrowReportMissing(t *testing.T) {
	a := newTestArchive(t)
	_, ok := a.BorrowReport(ReportID(99))
	assert.False(t, ok)
}

func TestBorrowReportMutationSurvivesRelease(t *testing.T) {
	a := newTestArchive(t)
	tool := newTestTool(t, "checker")
	_, id := a.InsertReport(tool, nil, nil, "plan", "addr", 0)

	br, ok := a.BorrowReport(id)
	require.True(t, ok)
	br.Report().PID = 4321
	br.Report().Running = true
	br.Release()
	br.Release()

	br2, ok := a.BorrowReport(id)
	require.True(t, ok)
	defer br2.Release()
	assert.Equal(t, 4321, br2.Report().PID)
	assert.True(t, br2.Report().Running)
}

func TestMonitoringSnapshotRenewsLastMonitored(t *testing.T) {
	a := newTestArchive(t)
	tool := newTestTool(t, "checker")
	_, id := a.InsertReport(tool, nil, nil, "plan", "addr", 0)

	br, ok := a.BorrowReport(id)
	require.True(t, ok)
	defer br.Release()

	r := br.Report()
	r.LastMonitored = time.Now().Add(-time.Hour)
	before := r.LastMonitored

	snap := r.MonitoringSnapshot()
	assert.True(t, r.LastMonitored.After(before))
	assert.Equal(t, "plan", snap.PlanName)
	assert.Equal(t, ReturnCodeUnset, snap.ReturnCode)
}

func TestPeakVSize(t *testing.T) {
	a := newTestArchive(t)
	tool := newTestTool(t, "checker")
	_, id := a.InsertReport(tool, nil, nil, "plan", "addr", 0)

	br, ok := a.BorrowReport(id)
	require.True(t, ok)
	defer br.Release()

	r := br.Report()
	now := time.Now()
	r.AppendSample(now, ResourceSample{VSize: 100})
	r.AppendSample(now, ResourceSample{VSize: 900})
	r.AppendSample(now, ResourceSample{VSize: 400})
	assert.Equal(t, uint64(900), r.PeakVSize())
}

func TestFingerprintProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	toolHash := fingerprint.SumString("tool")

	properties.Property("same identity same fingerprint", prop.ForAll(
		func(params []string, inputs []uint64, plan string) bool {
			ids := make([]FileID, len(inputs))
			for i, v := range inputs {
				ids[i] = FileID(v)
			}
			return Fingerprint(toolHash, ids, params, plan) == Fingerprint(toolHash, ids, params, plan)
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.UInt64()),
		gen.AnyString(),
	))

	properties.Property("parameter order matters", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			x := Fingerprint(toolHash, nil, []string{a, b}, "plan")
			y := Fingerprint(toolHash, nil, []string{b, a}, "plan")
			return x != y
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("plan name contributes", prop.ForAll(
		func(p1, p2 string) bool {
			if p1 == p2 {
				return true
			}
			return Fingerprint(toolHash, nil, nil, p1) != Fingerprint(toolHash, nil, nil, p2)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestFileDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	a := newTestArchive(t)

	properties.Property("re-inserting content is never new", prop.ForAll(
		func(content string) bool {
			_, id1, err1 := a.InsertFile([]byte(content))
			isNew, id2, err2 := a.InsertFile([]byte(content))
			return err1 == nil && err2 == nil && !isNew && id1 == id2
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
