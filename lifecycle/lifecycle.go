// Package lifecycle implements the gated legislative state machine that
// paces a campaign through its six phases. Advancement is linear and
// forward-only; selected transitions are blocked behind human review
// gates that must be approved while their phase is active.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase identifies one of the six legislative phases, in fixed order.
type Phase string

const (
	PhasePre   Phase = "PRE_EVT"
	PhaseIntro Phase = "INTRO_EVT"
	PhaseComm  Phase = "COMM_EVT"
	PhaseFloor Phase = "FLOOR_EVT"
	PhaseFinal Phase = "FINAL_EVT"
	PhaseImpl  Phase = "IMPL_EVT"
)

// Order is the fixed forward sequence of phases. The last entry is
// terminal.
var Order = []Phase{PhasePre, PhaseIntro, PhaseComm, PhaseFloor, PhaseFinal, PhaseImpl}

type phaseInfo struct {
	Name        string
	Description string
}

var phaseDetails = map[Phase]phaseInfo{
	PhasePre:   {"Policy Opportunity Detected", "Signal scanning, stakeholder mapping, staff education"},
	PhaseIntro: {"Bill Vehicle Identified", "Sponsor targeting, framing, academic validation"},
	PhaseComm:  {"Committee Referral", "Agenda analysis, briefings, draft language, amendments"},
	PhaseFloor: {"Floor Scheduled", "Floor messaging, timing, media narrative"},
	PhaseFinal: {"Vote Imminent", "Coalition activation, final constituent narrative"},
	PhaseImpl:  {"Law Enacted", "Implementation guidance, oversight, outcome reporting"},
}

// Gate statuses.
const (
	GatePending  = "pending"
	GateApproved = "approved"
)

// GateDef binds a human review gate to one adjacent phase transition.
type GateDef struct {
	ID   string
	Name string
	From Phase
	To   Phase
}

// DefaultGates returns the standard review gates of a campaign cycle.
// The INTRO_EVT to COMM_EVT step is deliberately ungated: committee
// referral is the legislature's act, not the campaign's.
func DefaultGates() []GateDef {
	return []GateDef{
		{ID: "HR_PRE", Name: "Approve Concept Direction", From: PhasePre, To: PhaseIntro},
		{ID: "HR_LANG", Name: "Approve Legislative Language", From: PhaseComm, To: PhaseFloor},
		{ID: "HR_MSG", Name: "Approve Messaging & Narrative", From: PhaseFloor, To: PhaseFinal},
		{ID: "HR_RELEASE", Name: "Authorize Public Release", From: PhaseFinal, To: PhaseImpl},
	}
}

// GateRecord is the stored approval state of one gate.
type GateRecord struct {
	Status     string     `json:"status"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Transition is one entry in the append-only phase history.
type Transition struct {
	From      Phase     `json:"from_state"`
	To        Phase     `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
	Approver  string    `json:"approved_by,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// Record is the full persisted state of the machine: the single source of
// truth reloaded on restart.
type Record struct {
	CurrentState Phase                 `json:"current_state"`
	Transitions  []Transition          `json:"transitions"`
	Gates        map[string]GateRecord `json:"gates"`
}

// StateError reports an advancement rejected by the machine's rules. It
// is an expected control-flow outcome, not a fault.
type StateError struct {
	State  Phase
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s: %s", e.State, e.Reason)
}

// GateError reports a gate operation rejected by the machine's rules.
type GateError struct {
	GateID string
	State  Phase
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %s (state %s): %s", e.GateID, e.State, e.Reason)
}

// Snapshot describes the machine's position for callers.
type Snapshot struct {
	Phase       Phase  `json:"current_state"`
	Name        string `json:"state_name"`
	Description string `json:"state_description"`
	Index       int    `json:"state_index"`
	Total       int    `json:"total_states"`
	CanAdvance  bool   `json:"can_advance"`
	PendingGate string `json:"pending_gate,omitempty"`
}

// GateView is a gate definition joined with its approval state.
type GateView struct {
	ID         string     `json:"gate_id"`
	Name       string     `json:"name"`
	From       Phase      `json:"from_state"`
	To         Phase      `json:"to_state"`
	Status     string     `json:"status"`
	Active     bool       `json:"is_active"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// StateView describes one phase relative to the current position.
type StateView struct {
	ID          Phase  `json:"state_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"` // completed, current, upcoming
	Index       int    `json:"index"`
}

// Machine is the gated state machine. All mutations are serialized and
// persisted before they become visible, so concurrent approve/advance
// calls cannot interleave a stale read-modify-write.
type Machine struct {
	mu     sync.Mutex
	store  Store
	defs   []GateDef
	byFrom map[Phase]GateDef
	byID   map[string]GateDef
	rec    *Record
}

// NewMachine validates the gate definitions, loads persisted state from
// the store (initializing to the first phase if absent), and returns a
// ready machine.
func NewMachine(ctx context.Context, store Store, defs []GateDef) (*Machine, error) {
	index := make(map[Phase]int, len(Order))
	for i, p := range Order {
		index[p] = i
	}

	byFrom := make(map[Phase]GateDef, len(defs))
	byID := make(map[string]GateDef, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("gate definition missing id")
		}
		if _, ok := byID[def.ID]; ok {
			return nil, fmt.Errorf("duplicate gate id %s", def.ID)
		}
		fi, ok := index[def.From]
		if !ok {
			return nil, fmt.Errorf("gate %s: unknown from state %s", def.ID, def.From)
		}
		ti, ok := index[def.To]
		if !ok {
			return nil, fmt.Errorf("gate %s: unknown to state %s", def.ID, def.To)
		}
		if ti != fi+1 {
			return nil, fmt.Errorf("gate %s: %s to %s is not an adjacent forward step", def.ID, def.From, def.To)
		}
		if _, ok := byFrom[def.From]; ok {
			return nil, fmt.Errorf("gate %s: state %s already has a gate", def.ID, def.From)
		}
		byID[def.ID] = def
		byFrom[def.From] = def
	}

	rec, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lifecycle state: %w", err)
	}
	if rec == nil {
		rec = newRecord()
		if err := store.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("initialize lifecycle state: %w", err)
		}
	}
	if _, ok := index[rec.CurrentState]; !ok {
		return nil, fmt.Errorf("persisted state %q is not a known phase", rec.CurrentState)
	}
	if rec.Gates == nil {
		rec.Gates = make(map[string]GateRecord)
	}

	return &Machine{
		store:  store,
		defs:   append([]GateDef(nil), defs...),
		byFrom: byFrom,
		byID:   byID,
		rec:    rec,
	}, nil
}

func newRecord() *Record {
	return &Record{
		CurrentState: Order[0],
		Transitions:  []Transition{},
		Gates:        make(map[string]GateRecord),
	}
}

func phaseIndex(p Phase) int {
	for i, o := range Order {
		if o == p {
			return i
		}
	}
	return -1
}

// Current returns the machine's position, including whether advancement
// is blocked by an unapproved gate.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	cur := m.rec.CurrentState
	idx := phaseIndex(cur)
	info := phaseDetails[cur]
	snap := Snapshot{
		Phase:       cur,
		Name:        info.Name,
		Description: info.Description,
		Index:       idx,
		Total:       len(Order),
		CanAdvance:  idx < len(Order)-1,
	}
	if def, ok := m.byFrom[cur]; ok {
		if m.rec.Gates[def.ID].Status != GateApproved {
			snap.PendingGate = def.ID
			snap.CanAdvance = false
		}
	}
	return snap
}

// Advance moves to the next phase. It fails with a StateError at the
// terminal phase and with a GateError while the current phase's gate is
// unapproved. The transition is persisted before it takes effect.
func (m *Machine) Advance(ctx context.Context, approver, notes string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.rec.CurrentState
	idx := phaseIndex(cur)
	if idx >= len(Order)-1 {
		return m.snapshotLocked(), &StateError{State: cur, Reason: "already at final state"}
	}
	if def, ok := m.byFrom[cur]; ok {
		if m.rec.Gates[def.ID].Status != GateApproved {
			return m.snapshotLocked(), &GateError{
				GateID: def.ID,
				State:  cur,
				Reason: fmt.Sprintf("%s must be approved before advancing", def.Name),
			}
		}
	}

	next := Order[idx+1]
	m.rec.Transitions = append(m.rec.Transitions, Transition{
		From:      cur,
		To:        next,
		Timestamp: time.Now().UTC(),
		Approver:  approver,
		Notes:     notes,
	})
	m.rec.CurrentState = next

	if err := m.store.Save(ctx, m.rec); err != nil {
		m.rec.CurrentState = cur
		m.rec.Transitions = m.rec.Transitions[:len(m.rec.Transitions)-1]
		return m.snapshotLocked(), fmt.Errorf("persist transition: %w", err)
	}
	return m.snapshotLocked(), nil
}

// ApproveGate marks a gate approved with the approver's identity.
// Approval is only possible while the gate's from-phase is current, and
// is permanent: re-approving an approved gate is a no-op.
func (m *Machine) ApproveGate(ctx context.Context, gateID, approver, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.byID[gateID]
	if !ok {
		return &GateError{GateID: gateID, State: m.rec.CurrentState, Reason: "gate not found"}
	}
	cur := m.rec.CurrentState
	if def.From != cur {
		return &GateError{
			GateID: gateID,
			State:  cur,
			Reason: fmt.Sprintf("gate is bound to state %s and is not active", def.From),
		}
	}
	if m.rec.Gates[gateID].Status == GateApproved {
		return nil
	}

	now := time.Now().UTC()
	prev, had := m.rec.Gates[gateID]
	m.rec.Gates[gateID] = GateRecord{
		Status:     GateApproved,
		ApprovedBy: approver,
		ApprovedAt: &now,
		Notes:      notes,
	}
	if err := m.store.Save(ctx, m.rec); err != nil {
		if had {
			m.rec.Gates[gateID] = prev
		} else {
			delete(m.rec.Gates, gateID)
		}
		return fmt.Errorf("persist gate approval: %w", err)
	}
	return nil
}

// Reset restores the initial phase and clears all transitions and gate
// approvals. It starts a new campaign cycle; it is not error recovery.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.rec
	m.rec = newRecord()
	if err := m.store.Save(ctx, m.rec); err != nil {
		m.rec = prev
		return fmt.Errorf("persist reset: %w", err)
	}
	return nil
}

// History returns a copy of the transition log in order.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.rec.Transitions...)
}

// Gates returns every gate definition joined with its approval state.
func (m *Machine) Gates() []GateView {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.rec.CurrentState
	views := make([]GateView, 0, len(m.defs))
	for _, def := range m.defs {
		v := GateView{
			ID:     def.ID,
			Name:   def.Name,
			From:   def.From,
			To:     def.To,
			Status: GatePending,
			Active: def.From == cur,
		}
		if rec, ok := m.rec.Gates[def.ID]; ok {
			v.Status = rec.Status
			v.ApprovedBy = rec.ApprovedBy
			v.ApprovedAt = rec.ApprovedAt
		}
		views = append(views, v)
	}
	return views
}

// States lists every phase annotated relative to the current position.
func (m *Machine) States() []StateView {
	m.mu.Lock()
	defer m.mu.Unlock()

	curIdx := phaseIndex(m.rec.CurrentState)
	views := make([]StateView, 0, len(Order))
	for i, p := range Order {
		info := phaseDetails[p]
		status := "upcoming"
		switch {
		case i < curIdx:
			status = "completed"
		case i == curIdx:
			status = "current"
		}
		views = append(views, StateView{
			ID:          p,
			Name:        info.Name,
			Description: info.Description,
			Status:      status,
			Index:       i,
		})
	}
	return views
}
