// accounting.go — Per-session memory, CPU, and disk quota accountants:
// read-mostly, cheap snapshots, rejection only at admission time. A
// mutex-guarded map of per-session reservations plus a running total is
// all this needs.
package accounting

import (
	"fmt"
	"sync"

	"github.com/pagegate/browser-gateway/internal/gatewayerr"
)

// Config bounds one resource's total budget.
type Config struct {
	// Limit is the total budget across all sessions. Units are caller-defined
	// (bytes for memory/disk, millicores for CPU); the accountant only compares.
	Limit int64
	// PerSessionDefault is reserved automatically by Register when the caller
	// does not know its exact footprint up front (most callers don't, at
	// session-creation time).
	PerSessionDefault int64
}

// Accountant tracks a single resource's per-session reservations against a
// process-wide limit. One instance per resource (memory, CPU, disk); the
// session manager holds three.
type Accountant struct {
	name string
	cfg  Config

	mu         sync.Mutex
	reserved   map[string]int64
	totalInUse int64
}

func New(name string, cfg Config) *Accountant {
	return &Accountant{name: name, cfg: cfg, reserved: make(map[string]int64)}
}

// Register reserves PerSessionDefault units for sessionID, failing with
// system/RESOURCE_EXHAUSTED if the reservation would exceed the limit.
// Admission-time rejection only — no mid-flight preemption.
func (a *Accountant) Register(sessionID string) error {
	return a.RegisterAmount(sessionID, a.cfg.PerSessionDefault)
}

// RegisterAmount reserves an explicit amount, for callers that know their
// footprint (e.g. a disk accountant sizing a HAR export before it writes).
func (a *Accountant) RegisterAmount(sessionID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.reserved[sessionID]; exists {
		return nil
	}
	if a.cfg.Limit > 0 && a.totalInUse+amount > a.cfg.Limit {
		return gatewayerr.New(gatewayerr.CategorySystem, gatewayerr.CodeResourceExhausted,
			fmt.Sprintf("%s accountant: limit %d exceeded by reservation of %d (in use %d)", a.name, a.cfg.Limit, amount, a.totalInUse),
			gatewayerr.WithContext(map[string]any{"resource": a.name, "session_id": sessionID}))
	}
	a.reserved[sessionID] = amount
	a.totalInUse += amount
	return nil
}

// Unregister releases sessionID's reservation. Idempotent.
func (a *Accountant) Unregister(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	amount, ok := a.reserved[sessionID]
	if !ok {
		return
	}
	delete(a.reserved, sessionID)
	a.totalInUse -= amount
}

// Snapshot is a cheap read of current occupancy, for health checks and metrics.
type Snapshot struct {
	Resource   string
	Limit      int64
	InUse      int64
	SessionCount int
}

func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Resource: a.name, Limit: a.cfg.Limit, InUse: a.totalInUse, SessionCount: len(a.reserved)}
}

// Set groups the three accountants the session manager registers every
// session with.
type Set struct {
	Memory *Accountant
	CPU    *Accountant
	Disk   *Accountant
}

func NewSet(memory, cpu, disk Config) *Set {
	return &Set{
		Memory: New("memory", memory),
		CPU:    New("cpu", cpu),
		Disk:   New("disk", disk),
	}
}

// Register reserves default capacity across all three resources, rolling
// back any partial reservation on the first failure.
func (s *Set) Register(sessionID string) error {
	if err := s.Memory.Register(sessionID); err != nil {
		return err
	}
	if err := s.CPU.Register(sessionID); err != nil {
		s.Memory.Unregister(sessionID)
		return err
	}
	if err := s.Disk.Register(sessionID); err != nil {
		s.Memory.Unregister(sessionID)
		s.CPU.Unregister(sessionID)
		return err
	}
	return nil
}

// Unregister releases all three resources for sessionID.
func (s *Set) Unregister(sessionID string) {
	s.Memory.Unregister(sessionID)
	s.CPU.Unregister(sessionID)
	s.Disk.Unregister(sessionID)
}
