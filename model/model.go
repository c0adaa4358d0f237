// Package model holds the data model shared by every makerd component:
// resource identity, the tagged MachineState variant, transitions, the
// persisted StateRecord, and actuator reports. It has no dependencies on
// any other makerd package so store, registry, machine, bus, policy, and
// actuator can all import it without a cycle.
package model

import "time"

// ResourceId names a managed machine. Stable and unique within a run.
type ResourceId = string

// UserId is an opaque, already-authenticated principal identifier.
type UserId = string

// PermissionTag is a dotted namespace string, matched either exactly or
// by a "*"-suffixed glob against a PolicyOracle.
type PermissionTag = string

// Resource is the configuration-time record for a managed machine.
// Immutable after load.
type Resource struct {
	ID           ResourceId
	Description  string
	Labels       map[string]string
	DisclosePerm PermissionTag
	ReadPerm     PermissionTag
	WritePerm    PermissionTag
	ManagePerm   PermissionTag
}

// StateKind is the closed tag of MachineState.
type StateKind int

const (
	Free StateKind = iota
	InUse
	ToCheck
	Blocked
	Disabled
	Reserved
)

func (k StateKind) String() string {
	switch k {
	case Free:
		return "free"
	case InUse:
		return "in_use"
	case ToCheck:
		return "to_check"
	case Blocked:
		return "blocked"
	case Disabled:
		return "disabled"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// MachineState is the tagged variant from spec §3. Only the fields
// relevant to Kind are meaningful: User for InUse/ToCheck/Reserved,
// Reason for Blocked/Disabled.
type MachineState struct {
	Kind     StateKind `json:"kind"`
	User     UserId    `json:"user,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Previous UserId    `json:"previous,omitempty"`
	At       time.Time `json:"at"`
}

// Equal compares the semantic content of two states — Kind, User, and
// Reason — ignoring Previous/At bookkeeping fields, matching spec §4.5
// step 2's "target equals current (by value)" no-op check.
func (s MachineState) Equal(o MachineState) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case InUse, ToCheck, Reserved:
		return s.User == o.User
	case Blocked, Disabled:
		return s.Reason == o.Reason
	default:
		return true
	}
}

func StateFree() MachineState                 { return MachineState{Kind: Free} }
func StateInUse(user UserId) MachineState     { return MachineState{Kind: InUse, User: user} }
func StateToCheck(user UserId) MachineState   { return MachineState{Kind: ToCheck, User: user} }
func StateBlocked(reason string) MachineState { return MachineState{Kind: Blocked, Reason: reason} }
func StateDisabled(reason string) MachineState {
	return MachineState{Kind: Disabled, Reason: reason}
}
func StateReserved(user UserId) MachineState { return MachineState{Kind: Reserved, User: user} }

// Cause tags why a Transition happened.
type Cause int

const (
	CauseClientRequest Cause = iota
	CauseInitiator
	CauseRecovery
	CauseAdmin
	CauseVerifyMismatch
)

func (c Cause) String() string {
	switch c {
	case CauseClientRequest:
		return "client_request"
	case CauseInitiator:
		return "initiator"
	case CauseRecovery:
		return "recovery"
	case CauseAdmin:
		return "admin"
	case CauseVerifyMismatch:
		return "verify_mismatch"
	default:
		return "unknown"
	}
}

// Transition is an accepted state change, uniquely identified by
// (Resource, Seq).
type Transition struct {
	Resource  ResourceId
	From      MachineState
	To        MachineState
	Cause     Cause
	Actor     UserId
	HasActor  bool
	Seq       uint64
	Timestamp time.Time
}

// StateRecord is the persisted form: one per resource, overwritten
// atomically on every accepted transition.
type StateRecord struct {
	Resource  ResourceId   `json:"resource"`
	State     MachineState `json:"state"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
}

// ActuatorOutcomeKind is the closed tag of ActuatorReport.Outcome.
type ActuatorOutcomeKind int

const (
	Applied ActuatorOutcomeKind = iota
	Verified
	Failed
)

func (k ActuatorOutcomeKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ActuatorReport is emitted by an Actuator Adapter back to the owning
// Resource State Machine.
type ActuatorReport struct {
	Adapter string
	Seq     uint64
	Outcome ActuatorOutcomeKind
	Reason  string
}
