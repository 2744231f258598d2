package workspace

import (
	"os"
	"path/filepath"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/errors"
	"github.com/tkratochvila/VerifyServer/internal/expiry"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
)

// workspaceDirPattern matches sandbox directories under the workspaces root.
const workspaceDirPattern = "workspace*"

// Manager owns the workspaces root directory and the idle-expiration
// lifecycle of every workspace.
type Manager struct {
	webRoot       string
	canonicalRoot string
	idleTimeout   time.Duration

	entries   *expiry.ExpirationMap[ID, *Workspace]
	expirator *expiry.PeriodicExpirator[ID, *Workspace]
}

// NewManager validates the workspaces root, purges sandbox directories left
// over from a previous process, and starts the expiration sweeper.
func NewManager(root string, idleTimeout, checkInterval time.Duration) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.IO("workspace.manager", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.IO("workspace.manager", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !wildcard.Match(workspaceDirPattern, entry.Name()) {
			continue
		}
		// Clean up in case the previous process crashed.
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return nil, errors.IO("workspace.manager", err)
		}
	}

	canonicalRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.IO("workspace.manager", err)
	}

	m := &Manager{
		webRoot:       root,
		canonicalRoot: canonicalRoot,
		idleTimeout:   idleTimeout,
		entries:       expiry.NewExpirationMap[ID, *Workspace](),
	}
	m.expirator = expiry.NewPeriodicExpirator(m.entries, checkInterval, m.onExpired)
	m.expirator.Start()

	log.Info().Str("root", canonicalRoot).Dur("idle_timeout", idleTimeout).Msg("Workspace manager started")
	return m, nil
}

// Create builds a workspace around the reservation and registers it with its
// idle deadline. The returned workspace is retained for the caller, who must
// Release it.
func (m *Manager) Create(reservation *toolkit.ToolReservation) (ID, *Workspace, error) {
	var id ID
	for {
		id = ID(ulid.Make().String())
		if _, exists := m.entries.Get(id); !exists {
			break
		}
	}

	dir := "workspace" + string(id)
	ws, err := newWorkspace(id, filepath.Join(m.webRoot, dir), filepath.Join(m.canonicalRoot, dir), reservation, m.idleTimeout)
	if err != nil {
		return "", nil, err
	}
	if err := m.entries.Insert(id, ws, m.idleTimeout); err != nil {
		ws.Release()
		return "", nil, errors.Wrap(errors.KindInternal, "workspace.create", err)
	}

	ws.Retain()
	log.Info().Str("workspace", string(id)).Msg("Workspace created")
	return id, ws, nil
}

// Get returns the workspace retained for the caller and renews its idle
// deadline. Fails when the workspace is unknown or already expired.
func (m *Manager) Get(id ID) (*Workspace, error) {
	ws, ok := m.entries.Get(id)
	if !ok || !ws.Retain() {
		return nil, errors.NotFound("workspace.get", "Workspace does not exist: %s", id)
	}
	m.entries.KeepAlive(id, ws.IdleTimeout())
	return ws, nil
}

// Destroy removes the workspace from the manager and drops the manager's
// reference. The directory disappears once every other holder releases.
func (m *Manager) Destroy(id ID) error {
	ws, ok := m.entries.Erase(id)
	if !ok {
		return errors.NotFound("workspace.destroy", "Workspace does not exist: %s", id)
	}
	ws.Release()
	log.Info().Str("workspace", string(id)).Msg("Workspace destroyed")
	return nil
}

// Len reports the number of live workspaces.
func (m *Manager) Len() int {
	return m.entries.Len()
}

// Shutdown stops the sweeper and releases every remaining workspace.
func (m *Manager) Shutdown() {
	m.expirator.Stop()
	for _, id := range m.entries.Keys() {
		if ws, ok := m.entries.Erase(id); ok {
			ws.Release()
		}
	}
}

func (m *Manager) onExpired(expired map[ID]*Workspace) {
	for id, ws := range expired {
		log.Info().Str("workspace", string(id)).Msg("Workspace expired")
		ws.Release()
	}
}
