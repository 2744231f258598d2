// Package toolkit keeps the registry of external verification tools. Tools
// are loaded from an XML config at startup, probed for their version string,
// and handed out through scoped reservations that enforce single-instance
// mutual exclusion.
package toolkit

import (
	stderrors "errors"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/fingerprint"
)

// versionProbeFailed marks a tool whose executable could not be started.
const versionProbeFailed = "ERROR"

// toolVersionOutput runs the tool's version command and returns the combined
// stdout and stderr. Overridable in tests.
var toolVersionOutput = func(path string) ([]byte, error) {
	return exec.Command(path, "--version").CombinedOutput()
}

// Tool describes one registered external verification tool.
type Tool struct {
	mu sync.Mutex

	name           string
	path           string
	outputParser   string
	singleInstance bool

	version      string
	capabilities map[string]struct{}
	busy         bool
}

// NewTool registers a tool and probes its version by running the executable.
// A tool whose executable cannot be started stays registered but is marked
// busy forever so nothing can reserve it.
func NewTool(name, path, outputParser string, singleInstance bool) *Tool {
	t := &Tool{
		name:           name,
		path:           path,
		outputParser:   outputParser,
		singleInstance: singleInstance,
		capabilities:   make(map[string]struct{}),
	}
	t.updateVersion()
	return t
}

func (t *Tool) updateVersion() {
	t.mu.Lock()
	defer t.mu.Unlock()

	out, err := toolVersionOutput(t.path)
	if err != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(err, &exitErr) {
			t.version = versionProbeFailed
			t.busy = true
			log.Error().Err(err).Str("path", t.path).Msg("Running tool version probe failed")
			return
		}
		// The tool ran but exited non-zero; its output is still usable.
	}
	t.version = parseVersionOutput(string(out))
}

// parseVersionOutput extracts the version line from the probe output. The
// line starts at the token "version" (any case), falling back to the first
// "v", falling back to the start of the output, and runs to the next newline.
func parseVersionOutput(out string) string {
	lower := strings.ToLower(out)
	pos := strings.Index(lower, "version")
	if pos < 0 {
		pos = strings.Index(lower, "v")
		if pos < 0 {
			pos = 0
		}
	}
	end := strings.IndexByte(out[pos:], '\n')
	if end < 0 {
		end = len(out) - pos
	}
	return out[pos : pos+end]
}

// Acquire attempts to take the tool. A busy tool cannot be acquired. A
// single-instance tool becomes busy on success; any other tool is acquired
// without mutation so concurrent holders are fine.
func (t *Tool) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.busy {
		return false
	}
	if t.singleInstance {
		t.busy = true
	}
	return true
}

// Release clears the busy flag.
func (t *Tool) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = false
}

// IsFree reports whether the tool can currently be acquired.
func (t *Tool) IsFree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.busy
}

// Name returns the tool name as configured, original case preserved.
func (t *Tool) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Path returns the tool's executable path.
func (t *Tool) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// OutputParser returns the path of the executable that interprets the tool's
// output after a run finishes.
func (t *Tool) OutputParser() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputParser
}

// Version returns the probed version string.
func (t *Tool) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// SingleInstance reports whether only one reservation may hold the tool.
func (t *Tool) SingleInstance() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.singleInstance
}

// AddCapability tags the tool with a capability such as "ltl" or "smv".
func (t *Tool) AddCapability(c string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capabilities[c] = struct{}{}
}

// HasCapability reports whether the tool carries the given tag.
func (t *Tool) HasCapability(c string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.capabilities[c]
	return ok
}

// Capabilities returns the tool's tags, sorted.
func (t *Tool) Capabilities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	caps := make([]string, 0, len(t.capabilities))
	for c := range t.capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Hash mixes name, version and path into the tool's fingerprint
// contribution. Two tools collide only when all three agree.
func (t *Tool) Hash() fingerprint.Digest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fingerprint.SumString(t.name) + fingerprint.SumString(t.version) + fingerprint.SumString(t.path)
}

// String renders the tool for logs.
func (t *Tool) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return "name = " + t.name + ", path = " + t.path + ", version = " + t.version
}
