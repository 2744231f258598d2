// Package workspace provides per-session filesystem sandboxes. A workspace
// owns a private directory under the workspaces root, holds the tool
// reservation for its session, and records which archived files and reports
// the session may touch. Workspaces are shared by reference: the manager's
// expiration entry holds one reference, callers and runs hold their own, and
// the directory is removed once the last reference is released.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	"github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
)

// ID is the opaque workspace identifier handed to clients.
type ID string

// Workspace is one session sandbox.
type Workspace struct {
	mu sync.Mutex

	id            ID
	webPath       string
	canonicalPath string
	reservation   *toolkit.ToolReservation
	idleTimeout   time.Duration

	filesByPath map[string]archive.FileID
	pathByID    map[archive.FileID]string
	reports     map[archive.ReportID]struct{}

	refs int
}

// newWorkspace creates the sandbox directory and takes ownership of the
// reservation. The returned workspace carries a single reference.
func newWorkspace(id ID, webPath, canonicalPath string, reservation *toolkit.ToolReservation, idleTimeout time.Duration) (*Workspace, error) {
	if err := os.Mkdir(canonicalPath, 0o755); err != nil {
		return nil, errors.IO("workspace.new", err)
	}
	return &Workspace{
		id:            id,
		webPath:       webPath,
		canonicalPath: canonicalPath,
		reservation:   reservation,
		idleTimeout:   idleTimeout,
		filesByPath:   make(map[string]archive.FileID),
		pathByID:      make(map[archive.FileID]string),
		reports:       make(map[archive.ReportID]struct{}),
		refs:          1,
	}, nil
}

// Retain takes an additional reference. It fails when the workspace has
// already been torn down.
func (w *Workspace) Retain() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.refs == 0 {
		return false
	}
	w.refs++
	return true
}

// Release drops one reference. The last release removes the directory tree
// and frees the tool reservation.
func (w *Workspace) Release() {
	w.mu.Lock()
	w.refs--
	last := w.refs == 0
	w.mu.Unlock()

	if last {
		w.teardown()
	}
}

func (w *Workspace) teardown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.RemoveAll(w.canonicalPath); err != nil {
		log.Error().Err(err).Str("workspace", string(w.id)).Msg("Failed to remove workspace directory")
	}
	w.reservation.Release()
	log.Debug().Str("workspace", string(w.id)).Msg("Workspace torn down")
}

// ID returns the workspace identifier.
func (w *Workspace) ID() ID {
	return w.id
}

// WebPath is the externally visible location of the sandbox.
func (w *Workspace) WebPath() string {
	return w.webPath
}

// CanonicalPath is the absolute sandbox directory, the cwd of spawned tools.
func (w *Workspace) CanonicalPath() string {
	return w.canonicalPath
}

// IdleTimeout is how long the workspace survives without being touched.
func (w *Workspace) IdleTimeout() time.Duration {
	return w.idleTimeout
}

// Tool returns the reserved tool. Fails when the reservation is invalid.
func (w *Workspace) Tool() (*toolkit.Tool, error) {
	return w.reservation.Tool()
}

// CheckinFile copies an archived blob into the sandbox at relPath and
// records the mapping. The relative path must stay inside the sandbox;
// traversal elements and shell metacharacters are rejected. Checking a
// different blob in under an existing path overwrites the file.
func (w *Workspace) CheckinFile(a *archive.Archive, fileID archive.FileID, relPath string) error {
	if !isRelativePathWithinWorkspace(relPath) {
		return errors.Permission("workspace.checkin_file", "Attempted escape from workspace.")
	}

	// Resolve before taking the workspace lock; the archive lock is ordered
	// before it.
	srcPath := a.FilePath(fileID)
	if srcPath == archive.FileUnavailable {
		return errors.NotFound("workspace.checkin_file", "File not in archive: %s", fileID)
	}
	content, err := os.ReadFile(srcPath)
	if err != nil {
		return errors.IO("workspace.checkin_file", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dst := filepath.Join(w.canonicalPath, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.IO("workspace.checkin_file", err)
	}
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return errors.IO("workspace.checkin_file", err)
	}
	w.filesByPath[relPath] = fileID
	w.pathByID[fileID] = relPath
	return nil
}

// isRelativePathWithinWorkspace rejects paths that could reach outside the
// sandbox or smuggle shell syntax into the call command.
func isRelativePathWithinWorkspace(p string) bool {
	if p == "" || filepath.IsAbs(p) || !filepath.IsLocal(p) {
		return false
	}
	for _, element := range strings.Split(filepath.ToSlash(p), "/") {
		if strings.Contains(element, "..") || strings.ContainsAny(element, "~$`") {
			return false
		}
	}
	return true
}

// AddReport records that this workspace may poll and kill the report.
func (w *Workspace) AddReport(id archive.ReportID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reports[id] = struct{}{}
}

// IsReportAllowed reports whether the report belongs to this session.
func (w *Workspace) IsReportAllowed(id archive.ReportID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.reports[id]
	return ok
}

// HasFile reports whether the blob was checked into this workspace.
func (w *Workspace) HasFile(id archive.FileID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pathByID[id]
	return ok
}

// RelativeFilePath returns the sandbox-relative path the blob was last
// checked in under.
func (w *Workspace) RelativeFilePath(id archive.FileID) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rel, ok := w.pathByID[id]
	return rel, ok
}

// CanonicalFilePath returns the absolute path of a checked-in blob.
func (w *Workspace) CanonicalFilePath(id archive.FileID) (string, bool) {
	rel, ok := w.RelativeFilePath(id)
	if !ok {
		return "", false
	}
	return filepath.Join(w.canonicalPath, rel), true
}
