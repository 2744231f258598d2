package archive

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkratochvila/VerifyServer/internal/fingerprint"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
)

// FileID identifies an archived file blob by its content digest.
type FileID = fingerprint.Digest

// ReportID identifies a report by its identity fingerprint.
type ReportID = fingerprint.Digest

// Dummy values distinguishing a report that never ran from a real result.
const (
	ReturnCodeUnset = -9999
	PIDUnset        = -9999
)

// ResourceSample is one observation of a running verification process.
// CPU percentages are split between user and system time; memory sizes are
// bytes.
type ResourceSample struct {
	CPUUserPct float64
	CPUSysPct  float64
	VSize      uint64
	RSS        uint64
	MemFree    uint64
	MemFreePct float64
}

// TimedSample pairs a sample with the time it was taken.
type TimedSample struct {
	At     time.Time
	Sample ResourceSample
}

// Report is the summary of a single verification task. It is created by a
// verify request, updated while the tool runs, and rendered into the
// monitoring document on demand.
//
// Every field except the identity group is guarded by the report's lock,
// which is held for the lifetime of a BorrowedReport. Code outside this
// package reads or writes these fields only through a live borrow.
type Report struct {
	mu sync.Mutex

	// Identity, set at creation and never mutated afterwards.
	Tool        *toolkit.Tool
	Parameters  []string
	InputFiles  []FileID
	OutputNames []string
	PlanName    string
	Address     string
	ID          ReportID

	// Runtime state.
	CallCommand   string
	StdOutput     string
	ErrOutput     string
	ParsedOutput  string
	PartVerResult string
	RunningResult string
	ReturnCode    int
	PID           int
	LastMonitored time.Time
	Running       bool
	Valid         bool
	Resources     []TimedSample

	// Post-run.
	RunTime    time.Duration
	PeakMemory uint64
	Date       time.Time
}

// newReport builds a report with its fingerprint computed and the runtime
// fields at their not-started values. One fresh random name is generated per
// advertised output.
func newReport(tool *toolkit.Tool, params []string, inputs []FileID, plan, address string, outputArity int) *Report {
	r := &Report{
		Tool:          tool,
		Parameters:    params,
		InputFiles:    inputs,
		PlanName:      plan,
		Address:       address,
		ReturnCode:    ReturnCodeUnset,
		PID:           PIDUnset,
		RunningResult: "Not started.",
		LastMonitored: time.Now(),
	}
	for i := 0; i < outputArity; i++ {
		r.OutputNames = append(r.OutputNames, uuid.NewString())
	}
	r.Resources = []TimedSample{{At: time.Now()}}
	r.ID = Fingerprint(tool.Hash(), inputs, params, plan)
	return r
}

// Fingerprint mixes a report identity into its ReportID. The mix is
// order-sensitive in the inputs and parameters but independent of which
// group contributes which bits, matching the dedup contract: two reports
// collide iff tool hash, input sequence, parameter sequence, and plan name
// all agree.
func Fingerprint(toolHash fingerprint.Digest, inputs []FileID, params []string, plan string) ReportID {
	id := toolHash
	for i, f := range inputs {
		id = fingerprint.MixIndexed(id, fingerprint.SumUint64(uint64(f)), i)
	}
	for i, p := range params {
		id = fingerprint.MixIndexed(id, fingerprint.SumString(p), i)
	}
	return id ^ fingerprint.SumString(plan)
}

// Snapshot carries everything the monitoring document needs, copied out of
// a borrowed report so rendering can happen without any lock held.
type Snapshot struct {
	Last          ResourceSample
	PID           int
	StdOutput     string
	ErrOutput     string
	PartVerResult string
	ReturnCode    int
	ParsedOutput  string
	PlanName      string
	Address       string
	RunningResult string
}

// MonitoringSnapshot copies the monitoring view of the report and renews its
// last-monitored timestamp. Call with the report borrowed.
func (r *Report) MonitoringSnapshot() Snapshot {
	r.LastMonitored = time.Now()
	return Snapshot{
		Last:          r.Resources[len(r.Resources)-1].Sample,
		PID:           r.PID,
		StdOutput:     r.StdOutput,
		ErrOutput:     r.ErrOutput,
		PartVerResult: r.PartVerResult,
		ReturnCode:    r.ReturnCode,
		ParsedOutput:  r.ParsedOutput,
		PlanName:      r.PlanName,
		Address:       r.Address,
		RunningResult: r.RunningResult,
	}
}

// AppendSample records one observation. Call with the report borrowed.
func (r *Report) AppendSample(at time.Time, s ResourceSample) {
	r.Resources = append(r.Resources, TimedSample{At: at, Sample: s})
}

// PeakVSize returns the maximum virtual size across the sample series.
// Call with the report borrowed.
func (r *Report) PeakVSize() uint64 {
	var peak uint64
	for _, ts := range r.Resources {
		if ts.Sample.VSize > peak {
			peak = ts.Sample.VSize
		}
	}
	return peak
}
