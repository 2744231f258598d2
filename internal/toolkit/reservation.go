package toolkit

import (
	"sync"

	"github.com/tkratochvila/VerifyServer/internal/errors"
)

// ToolReservation is a scoped ownership handle over a Tool. While the
// reservation is alive a single-instance tool stays busy; Release frees it.
// At most one live reservation exists per single-instance tool.
type ToolReservation struct {
	mu   sync.Mutex
	tool *Tool
}

func newToolReservation(t *Tool) *ToolReservation {
	if t.Acquire() {
		return &ToolReservation{tool: t}
	}
	return &ToolReservation{}
}

// Valid reports whether the reservation still holds a tool.
func (r *ToolReservation) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tool != nil
}

// Tool returns the reserved tool. Fails when the reservation was never
// established or has been released.
func (r *ToolReservation) Tool() (*Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tool == nil {
		return nil, errors.Reservation("reservation.tool", "Tool accessed from invalid reservation.")
	}
	return r.tool, nil
}

// Release frees the tool and invalidates the reservation. Safe to call more
// than once.
func (r *ToolReservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tool == nil {
		return
	}
	r.tool.Release()
	r.tool = nil
}
