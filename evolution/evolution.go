// Package evolution records the version history of running components and
// checks that their external contract survives hot swaps.
package evolution

import (
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/obinexus/gov-clock/pkg/buffer"
	"github.com/obinexus/gov-clock/version"
)

// DefaultHistoryCapacity bounds the transition history of one component.
const DefaultHistoryCapacity = 64

// Transition is one committed version change.
type Transition struct {
	From         version.ExtendedVersion `json:"from"`
	To           version.ExtendedVersion `json:"to"`
	Timestamp    time.Time               `json:"timestamp"`
	Reason       string                  `json:"reason,omitempty"`
	WasAutomatic bool                    `json:"was_automatic"`
	// Downtime is how long the component was quiesced for the swap.
	Downtime time.Duration `json:"downtime_ns"`
	// ContractHash, when set, replaces the record's contract hash.
	ContractHash string `json:"contract_hash,omitempty"`
}

// Evolution is the history of one logical component. Safe for concurrent use.
type Evolution struct {
	OriginalComponentID string
	OriginalVersion     version.ExtendedVersion
	CreatedAt           time.Time

	now func() time.Time

	mu           sync.RWMutex
	history      buffer.Buffer[Transition]
	current      version.ExtendedVersion
	contractHash string
	totalSwaps   uint64
	downtime     time.Duration
}

func newEvolution(id string, v version.ExtendedVersion, contractHash string, capacity int, now func() time.Time) (*Evolution, error) {
	history, err := buffer.NewCircularBuffer[Transition](capacity)
	if err != nil {
		return nil, err
	}
	return &Evolution{
		OriginalComponentID: id,
		OriginalVersion:     v,
		CreatedAt:           now(),
		now:                 now,
		history:             history,
		current:             v,
		contractHash:        contractHash,
	}, nil
}

// Record appends a committed transition. The oldest entry is evicted once
// the history is at capacity.
func (e *Evolution) Record(t Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Timestamp.IsZero() {
		t.Timestamp = e.now()
	}
	// DropOldest never rejects a write
	_ = e.history.Write(t)
	e.current = t.To
	e.totalSwaps++
	e.downtime += t.Downtime
	if t.ContractHash != "" {
		e.contractHash = t.ContractHash
	}
}

// History returns the retained transitions, oldest first.
func (e *Evolution) History() []Transition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Snapshot()
}

// CurrentVersion returns the version of the last committed transition.
func (e *Evolution) CurrentVersion() version.ExtendedVersion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// SetCurrent records v as the running version without counting a swap.
// A record created by a resolution preview is brought in line with the unit
// that actually started.
func (e *Evolution) SetCurrent(v version.ExtendedVersion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = v
}

// TotalSwaps counts every committed transition, evicted ones included.
func (e *Evolution) TotalSwaps() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalSwaps
}

// ContractHash returns the component's current contract hash.
func (e *Evolution) ContractHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contractHash
}

// AdoptContractHash sets the contract hash if the record has none yet and
// reports whether it did.
func (e *Evolution) AdoptContractHash(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.contractHash != "" || hash == "" {
		return false
	}
	e.contractHash = hash
	return true
}

// UptimePercentage is the share of the record's lifetime not spent in swap
// downtime, in [0, 100].
func (e *Evolution) UptimePercentage() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.uptimeLocked()
}

func (e *Evolution) uptimeLocked() float64 {
	lifetime := e.now().Sub(e.CreatedAt)
	if lifetime <= 0 {
		return 100
	}
	pct := 100 * (1 - float64(e.downtime)/float64(lifetime))
	return min(max(pct, 0), 100)
}

// Snapshot is a serializable view of an Evolution.
type Snapshot struct {
	OriginalComponentID string                  `json:"original_component_id"`
	OriginalVersion     version.ExtendedVersion `json:"original_version"`
	CurrentVersion      version.ExtendedVersion `json:"current_version"`
	History             []Transition            `json:"history"`
	TotalSwaps          uint64                  `json:"total_swaps"`
	UptimePercentage    float64                 `json:"uptime_percentage"`
	ContractHash        string                  `json:"contract_hash,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
}

// Snapshot returns a consistent copy of the record.
func (e *Evolution) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		OriginalComponentID: e.OriginalComponentID,
		OriginalVersion:     e.OriginalVersion,
		CurrentVersion:      e.current,
		History:             e.history.Snapshot(),
		TotalSwaps:          e.totalSwaps,
		UptimePercentage:    e.uptimeLocked(),
		ContractHash:        e.contractHash,
		CreatedAt:           e.CreatedAt,
	}
}

// ValidateContract reports whether ev still carries originalHash.
func ValidateContract(ev *Evolution, originalHash string) bool {
	if ev == nil {
		return false
	}
	return ev.ContractHash() == originalHash
}

// ContractHash returns the CRC-32 (IEEE) of a component's serialized
// contract as eight hex digits.
func ContractHash(serialized []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(serialized))
}
