package toolkit

import (
	"sort"
	"strings"
	"sync"

	"github.com/tkratochvila/VerifyServer/internal/errors"
)

// Category availability answers for the availability query.
const (
	AvailabilityYes  = "yes"
	AvailabilityBusy = "busy"
	AvailabilityNo   = "no"
)

// ToolKit is an insertion-only registry of tools keyed by normalised
// (lowercase) name, with an inverted index from capability tag to tools.
type ToolKit struct {
	mu sync.Mutex

	tools           map[string]*Tool
	capabilities    map[string]struct{}
	toolsByCategory map[string][]string
}

// New creates an empty registry.
func New() *ToolKit {
	return &ToolKit{
		tools:           make(map[string]*Tool),
		capabilities:    make(map[string]struct{}),
		toolsByCategory: make(map[string][]string),
	}
}

func normalizeName(name string) string {
	return strings.ToLower(name)
}

// Insert registers a tool under its normalised name and indexes its
// capabilities. A tool whose name is already registered is skipped; the
// registry never replaces.
func (k *ToolKit) Insert(t *Tool) bool {
	key := normalizeName(t.Name())

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.tools[key]; ok {
		return false
	}
	k.tools[key] = t
	for _, c := range t.Capabilities() {
		k.toolsByCategory[c] = append(k.toolsByCategory[c], key)
		k.capabilities[c] = struct{}{}
	}
	return true
}

// Get looks a tool up by name, case-insensitively.
func (k *ToolKit) Get(name string) (*Tool, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, ok := k.tools[normalizeName(name)]
	return t, ok
}

// IsToolFree reports whether the named tool exists and can be acquired.
func (k *ToolKit) IsToolFree(name string) bool {
	t, ok := k.Get(name)
	if !ok {
		return false
	}
	return t.IsFree()
}

// Reserve acquires the named tool and returns a live reservation. Releasing
// the reservation frees the tool again.
func (k *ToolKit) Reserve(name string) (*ToolReservation, error) {
	t, ok := k.Get(name)
	if !ok {
		return nil, errors.Reservation("toolkit.reserve", "Reservation failed: no such tool in toolkit")
	}
	res := newToolReservation(t)
	if !res.Valid() {
		return nil, errors.Reservation("toolkit.reserve", "Reservation failed: tool busy")
	}
	return res, nil
}

// CategoryAvailable answers the availability query for one capability tag:
// "no" when no tool carries the tag, "yes" when some tagged tool is free,
// "busy" otherwise.
func (k *ToolKit) CategoryAvailable(c string) string {
	k.mu.Lock()
	defer k.mu.Unlock()

	atLeastOneCapable := false
	for _, t := range k.tools {
		if !t.HasCapability(c) {
			continue
		}
		atLeastOneCapable = true
		if t.IsFree() {
			return AvailabilityYes
		}
	}
	if atLeastOneCapable {
		return AvailabilityBusy
	}
	return AvailabilityNo
}

// Capabilities returns every known capability tag, sorted.
func (k *ToolKit) Capabilities() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	caps := make([]string, 0, len(k.capabilities))
	for c := range k.capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// ToolsInCategory returns the normalised names of tools carrying the tag,
// sorted and deduplicated.
func (k *ToolKit) ToolsInCategory(c string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	seen := make(map[string]struct{})
	names := make([]string, 0, len(k.toolsByCategory[c]))
	for _, name := range k.toolsByCategory[c] {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered tools.
func (k *ToolKit) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tools)
}
