// Package service glues the toolkit, archive, workspaces and execution
// window into the operations the request dispatcher exposes.
package service

import (
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/execution"
	"github.com/tkratochvila/VerifyServer/internal/fingerprint"
	"github.com/tkratochvila/VerifyServer/internal/history"
	"github.com/tkratochvila/VerifyServer/internal/metrics"
	"github.com/tkratochvila/VerifyServer/internal/oslc"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
	"github.com/tkratochvila/VerifyServer/internal/websocket"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

// getLocalAddress is a wrapper so tests can pin the advertised address.
var getLocalAddress = defaultLocalAddress

// defaultLocalAddress returns the first non-loopback IPv4 address of the
// host, falling back to the loopback address.
func defaultLocalAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

// Options wires the service's collaborators. Hub, Journal and Metrics are
// optional.
type Options struct {
	ToolKit *toolkit.ToolKit
	Archive *archive.Archive
	Manager *workspace.Manager
	Window  *execution.Window

	Creator     string
	Redactors   []*regexp.Regexp
	ObserveTick time.Duration

	Hub     *websocket.Hub
	Journal *history.Store
	Metrics *metrics.Metrics
}

// Service owns the background observer and exposes the verification
// operations.
type Service struct {
	kit     *toolkit.ToolKit
	archive *archive.Archive
	manager *workspace.Manager
	window  *execution.Window

	creator   string
	redactors []*regexp.Regexp
	address   string
	tick      time.Duration

	hub     *websocket.Hub
	journal *history.Store
	metrics *metrics.Metrics

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New assembles the service and starts its observer loop.
func New(opts Options) *Service {
	tick := opts.ObserveTick
	if tick <= 0 {
		tick = time.Second
	}
	creator := opts.Creator
	if creator == "" {
		creator = oslc.DefaultCreator
	}

	s := &Service{
		kit:       opts.ToolKit,
		archive:   opts.Archive,
		manager:   opts.Manager,
		window:    opts.Window,
		creator:   creator,
		redactors: opts.Redactors,
		address:   getLocalAddress(),
		tick:      tick,
		hub:       opts.Hub,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.observe()

	log.Info().Str("address", s.address).Dur("tick", tick).Msg("Verification service started")
	return s
}

// observe keeps watching the number of running tasks and updates their
// statistics while any task runs.
func (s *Service) observe() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	prevTasks := -1
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		size := s.window.Size()
		if size != prevTasks {
			prevTasks = size
			log.Debug().Int("count", size).Msg("Running tasks")
			s.metrics.SetRunningTasks(size)
			s.metrics.SetActiveWorkspaces(s.manager.Len())
		}
		if s.window.Empty() {
			continue
		}
		for _, id := range s.window.UpdateStats() {
			s.metrics.IncVerificationFinished()
			s.record(history.Event{Type: history.EventVerificationDone, Report: id.String()})
		}
	}
}

// Address returns the IPv4 address stamped into reports.
func (s *Service) Address() string {
	return s.address
}

// CreateWorkspace reserves the named tool and builds a workspace around
// the reservation. It returns the workspace ID and its web path.
func (s *Service) CreateWorkspace(toolName string) (workspace.ID, string, error) {
	reservation, err := s.kit.Reserve(toolName)
	if err != nil {
		s.metrics.IncError(err)
		return "", "", err
	}

	id, ws, err := s.manager.Create(reservation)
	if err != nil {
		reservation.Release()
		s.metrics.IncError(err)
		return "", "", err
	}
	webPath := ws.WebPath()
	ws.Release()

	s.metrics.IncWorkspaceCreated()
	s.record(history.Event{Type: history.EventWorkspaceCreated, Workspace: string(id), Tool: toolName})
	return id, webPath, nil
}

// DestroyWorkspace tears the workspace down. Destroying an unknown
// workspace is not an error: the client-visible outcome is the same.
func (s *Service) DestroyWorkspace(id workspace.ID) error {
	if err := s.manager.Destroy(id); err != nil {
		if verrors.KindOf(err) == verrors.KindNotFound {
			return nil
		}
		s.metrics.IncError(err)
		return err
	}
	s.metrics.IncWorkspaceDestroyed()
	s.record(history.Event{Type: history.EventWorkspaceDestroyed, Workspace: string(id)})
	return nil
}

// AddFile checks the content into the archive and makes it available from
// the workspace under the given name.
func (s *Service) AddFile(id workspace.ID, fileName string, content []byte) (bool, archive.FileID, error) {
	ws, err := s.manager.Get(id)
	if err != nil {
		s.metrics.IncError(err)
		return false, 0, err
	}
	defer ws.Release()

	isNew, fileID, err := s.archive.InsertFile(content)
	if err != nil {
		s.metrics.IncError(err)
		return false, 0, err
	}
	if err := ws.CheckinFile(s.archive, fileID, fileName); err != nil {
		s.metrics.IncError(err)
		return false, 0, err
	}

	s.metrics.IncFileAdded(isNew)
	s.record(history.Event{
		Type:      history.EventFileAdded,
		Workspace: string(id),
		Detail:    fileName,
	})
	return isNew, fileID, nil
}

// Verify checks the request's report into the archive and starts a run
// unless an equivalent report is already valid or running. It returns
// whether a process was started and the report ID to monitor.
func (s *Service) Verify(id workspace.ID, payload oslc.VerifyPayload) (bool, archive.ReportID, error) {
	ws, err := s.manager.Get(id)
	if err != nil {
		s.metrics.IncError(err)
		return false, 0, err
	}
	defer ws.Release()

	tool, ok := s.kit.Get(payload.ToolName)
	if !ok {
		err := verrors.NotFound("service.verify", "Cannot verify: Unknown tool. (%s)", payload.ToolName)
		s.metrics.IncError(err)
		return false, 0, err
	}

	reserved, err := ws.Tool()
	if err != nil {
		s.metrics.IncError(err)
		return false, 0, err
	}
	if reserved.Name() != tool.Name() {
		err := verrors.Reservation("service.verify",
			"Invalid tool requested. Requested %s but reserved %s", tool.Name(), reserved.Name())
		s.metrics.IncError(err)
		return false, 0, err
	}

	inputIDs := make([]archive.FileID, 0, len(payload.InputFiles))
	for _, raw := range payload.InputFiles {
		fileID, err := fingerprint.Parse(raw)
		if err != nil || !ws.HasFile(fileID) {
			err := verrors.Malformed("service.verify", "Invalid input file ID specified: %s", raw)
			s.metrics.IncError(err)
			return false, 0, err
		}
		inputIDs = append(inputIDs, fileID)
	}

	isNew, reportID := s.archive.InsertReport(tool, payload.Parameters, inputIDs,
		payload.PlanName, s.address, execution.OutputArity(payload.Schema))

	// The workspace may monitor the report even when an equivalent one
	// already existed.
	ws.AddReport(reportID)
	log.Debug().Bool("new", isNew).Str("report", reportID.String()).Msg("Report checked in")

	started, err := s.window.EnsureRun(reportID, ws, payload.Schema)
	if err != nil {
		s.metrics.IncError(err)
		return false, reportID, err
	}
	if started {
		s.metrics.IncVerificationStarted()
		s.record(history.Event{
			Type:      history.EventVerificationStarted,
			Workspace: string(id),
			Report:    reportID.String(),
			Tool:      tool.Name(),
		})
	}
	return started, reportID, nil
}

// MonitoringDocument renders the monitoring document of a report the
// workspace is allowed to see.
func (s *Service) MonitoringDocument(id workspace.ID, reportID archive.ReportID) (string, error) {
	ws, err := s.manager.Get(id)
	if err != nil {
		s.metrics.IncError(err)
		return "", err
	}
	defer ws.Release()

	if !ws.IsReportAllowed(reportID) || !s.archive.HasReport(reportID) {
		err := verrors.Permission("service.monitor", "Cannot access report.")
		s.metrics.IncError(err)
		return "", err
	}
	borrowed, ok := s.archive.BorrowReport(reportID)
	if !ok {
		err := verrors.Permission("service.monitor", "Cannot access report.")
		s.metrics.IncError(err)
		return "", err
	}
	snap := borrowed.Report().MonitoringSnapshot()
	borrowed.Release()

	doc, err := oslc.RenderMonitoring(snap, s.creator, s.redactors)
	if err != nil {
		s.metrics.IncError(err)
		return "", err
	}
	return doc, nil
}

// KillTask kills the process of a report the workspace is allowed to see.
// The run's report is finalised by the next observer tick.
func (s *Service) KillTask(id workspace.ID, reportID archive.ReportID) error {
	ws, err := s.manager.Get(id)
	if err != nil {
		s.metrics.IncError(err)
		return err
	}
	defer ws.Release()

	// The server may have restarted while the client still remembers the id.
	if !ws.IsReportAllowed(reportID) || !s.archive.HasReport(reportID) {
		err := verrors.Permission("service.kill",
			"The report id that should be killed cannot be accessed: %s", reportID.String())
		s.metrics.IncError(err)
		return err
	}

	borrowed, ok := s.archive.BorrowReport(reportID)
	if !ok {
		err := verrors.Permission("service.kill",
			"The report id that should be killed cannot be accessed: %s", reportID.String())
		s.metrics.IncError(err)
		return err
	}
	pid := borrowed.Report().PID
	borrowed.Release()

	log.Debug().Int("pid", pid).Str("report", reportID.String()).Msg("Killing process")
	if s.window.KillProcess(pid) {
		s.metrics.IncVerificationKilled()
		s.record(history.Event{
			Type:      history.EventKillRequested,
			Workspace: string(id),
			Report:    reportID.String(),
		})
	}
	return nil
}

// AvailabilityString summarises every capability category and its tools.
func (s *Service) AvailabilityString() string {
	var b strings.Builder
	for _, category := range s.kit.Capabilities() {
		b.WriteString(category + " " + s.kit.CategoryAvailable(category) + "\n")
		for _, tool := range s.kit.ToolsInCategory(category) {
			avail := toolkit.AvailabilityBusy
			if s.kit.IsToolFree(tool) {
				avail = toolkit.AvailabilityYes
			}
			b.WriteString(" - " + tool + " " + avail + "\n")
		}
	}
	return b.String()
}

// RecentEvents returns the newest journal entries, newest first.
func (s *Service) RecentEvents(limit int) ([]history.Event, error) {
	return s.journal.Recent(limit)
}

// State returns the snapshot published to new WebSocket clients.
func (s *Service) State() any {
	return map[string]any{
		"address":      s.address,
		"runningTasks": s.window.Size(),
		"workspaces":   s.manager.Len(),
		"tools":        s.kit.Len(),
	}
}

// Shutdown stops the observer, drains the execution window and tears down
// every workspace.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.window.Shutdown()
	s.manager.Shutdown()
	log.Info().Msg("Verification service stopped")
}

// record journals the event and fans it out to WebSocket clients.
func (s *Service) record(e history.Event) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if s.journal != nil {
		if err := s.journal.Append(e); err != nil {
			log.Warn().Err(err).Str("type", string(e.Type)).Msg("Failed to journal event")
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(e)
	}
}
