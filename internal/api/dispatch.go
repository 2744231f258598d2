package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/fingerprint"
	"github.com/tkratochvila/VerifyServer/internal/logging"
	"github.com/tkratochvila/VerifyServer/internal/oslc"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

const (
	statusHeader = "Status"
	statusOK     = "OK"
	statusNOK    = "NOK"
)

// Request headers of the legacy protocol.
const (
	headerType      = "type"
	headerWorkspace = "workspace"
	headerID        = "id"
	headerCmd       = "cmd"
	headerTool      = "tool"
)

// handleDispatch answers the legacy protocol: every operation arrives as
// POST / and is discriminated by the type header. The HTTP status is
// always 200; the outcome rides in the Status header and the text body.
func (r *Router) handleDispatch(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	reqType := req.Header.Get(headerType)
	status, body := r.dispatch(reqType, req)
	r.metrics.ObserveRequest(requestTypeLabel(reqType), status, time.Since(start))

	if status == statusNOK {
		log.Debug().
			Str("request_id", logging.RequestIDFrom(req.Context())).
			Str("type", reqType).
			Str("body", body).
			Msg("Request refused")
	}

	w.Header().Set(statusHeader, status)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func (r *Router) dispatch(reqType string, req *http.Request) (string, string) {
	switch reqType {
	case "verify":
		return r.handleVerify(req)
	case "monitor":
		return r.handleMonitor(req)
	case "upload":
		return r.handleUpload(req)
	case "query":
		return r.handleQuery(req)
	case "workspace":
		return r.handleWorkspace(req)
	default:
		return statusNOK, "Request unrecognised."
	}
}

// requestTypeLabel bounds the metrics label to the known request types.
func requestTypeLabel(reqType string) string {
	switch reqType {
	case "verify", "monitor", "upload", "query", "workspace":
		return reqType
	default:
		return "unknown"
	}
}

func (r *Router) handleWorkspace(req *http.Request) (string, string) {
	switch req.Header.Get(headerCmd) {
	case "new":
		id, webPath, err := r.svc.CreateWorkspace(req.Header.Get(headerTool))
		if err != nil {
			return statusNOK, "Error: " + err.Error()
		}
		return statusOK, "Workspace successfully created.\n   id:" + string(id) + "\n   path:\"" + webPath + "\""
	case "destroy":
		id := workspace.ID(req.Header.Get(headerWorkspace))
		if err := r.svc.DestroyWorkspace(id); err != nil {
			return statusNOK, "Error: " + err.Error()
		}
		return statusOK, "Workspace " + string(id) + " destroyed."
	default:
		return statusNOK, "Request unrecognised."
	}
}

func (r *Router) handleQuery(req *http.Request) (string, string) {
	cmd := req.Header.Get(headerCmd)
	if cmd == "" {
		return statusNOK, "No query specified."
	}
	switch {
	case strings.Contains(cmd, "kill"):
		idx := strings.LastIndex(cmd, " ")
		if idx < 0 {
			return statusNOK, "Error: No report to kill specified."
		}
		reportID, err := fingerprint.Parse(cmd[idx+1:])
		if err != nil {
			return statusNOK, "Error: Could not read the report number."
		}
		id := workspace.ID(req.Header.Get(headerWorkspace))
		if err := r.svc.KillTask(id, reportID); err != nil {
			return statusNOK, "Error: " + err.Error()
		}
		return statusOK, ""
	case strings.Contains(cmd, "availability"):
		return statusOK, r.svc.AvailabilityString()
	default:
		return statusNOK, "Request unrecognised."
	}
}

func (r *Router) handleUpload(req *http.Request) (string, string) {
	name, content, err := filePart(req)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}

	id := workspace.ID(req.Header.Get(headerWorkspace))
	isNew, fileID, err := r.svc.AddFile(id, name, content)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	if isNew {
		return statusOK, "File successfully uploaded under id:" + fileID.String()
	}
	// Deduplicated re-upload; NOK tells the client the content was known.
	return statusNOK, "File already stored under id:" + fileID.String()
}

func (r *Router) handleVerify(req *http.Request) (string, string) {
	body, err := requestBody(req)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	payload, err := oslc.ParseVerifyPayload(body)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}

	id := workspace.ID(req.Header.Get(headerWorkspace))
	started, reportID, err := r.svc.Verify(id, payload)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	if started {
		return statusOK, "Verification successfully started.\nMonitor or request report n. " + reportID.String()
	}
	return statusOK, "Verification result already known.\nRequest report n. " + reportID.String()
}

func (r *Router) handleMonitor(req *http.Request) (string, string) {
	reportID, err := fingerprint.Parse(req.Header.Get(headerID))
	if err != nil {
		return statusNOK, "Error: Cannot access report."
	}

	id := workspace.ID(req.Header.Get(headerWorkspace))
	doc, err := r.svc.MonitoringDocument(id, reportID)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	return statusOK, doc
}

// filePart returns the name and content of the first file part of a
// multipart body.
func filePart(req *http.Request) (string, []byte, error) {
	reader, err := req.MultipartReader()
	if err != nil {
		return "", nil, verrors.Malformed("api.upload", "Request contains no file.")
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, verrors.Malformed("api.upload", "Request contains no file.")
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return "", nil, verrors.IO("api.upload", err)
		}
		return part.FileName(), data, nil
	}
	return "", nil, verrors.Malformed("api.upload", "Request contains no file.")
}

// requestBody returns the verify payload: the first multipart part when the
// request is multipart, the raw body otherwise.
func requestBody(req *http.Request) ([]byte, error) {
	reader, err := req.MultipartReader()
	if err != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, verrors.IO("api.verify", err)
		}
		return data, nil
	}

	part, err := reader.NextPart()
	if err != nil {
		return nil, verrors.Malformed("api.verify", "Request contains no payload.")
	}
	defer part.Close()
	data, err := io.ReadAll(part)
	if err != nil {
		return nil, verrors.IO("api.verify", err)
	}
	return data, nil
}
