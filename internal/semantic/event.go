// Package semantic implements the semantic event journal: a typed,
// causally-ordered event stream independent of the data journal,
// supporting query, cursor-based streaming with back-pressure, replay, and
// a cross-boundary (kernel<->userspace) bridge. The streaming sink format
// ("[" + comma-joined JSON objects, with no closing "]") is a Chrome-trace-event-style
// sink generalized from a single global io.Writer to a multi-consumer
// broadcast.
package semantic

import (
	"encoding/json"
	"time"

	"golang.org/x/mod/semver"
)

// Kind enumerates the semantic event kinds, grouped by the
// subsystem that emits them. Only a representative subset per category is
// named explicitly; KindSystemOther carries the Subtype field for anything
// not worth a dedicated constant.
type Kind uint16

const (
	// Filesystem
	KindFileCreate Kind = iota
	KindFileWrite
	KindFileRead
	KindFileTruncate
	KindFileUnlink
	KindFileRename
	KindDirCreate
	KindDirRemove
	KindAttrChange
	KindMount
	KindUnmount
	// Vector
	KindVectorInsert
	KindVectorUpdate
	KindVectorDelete
	KindVectorSearch
	KindIndexCompact
	// Graph / ANN
	KindGraphNodeInsert
	KindGraphEdgeRepair
	KindGraphNodeTombstone
	// Transaction / storage
	KindTxnBegin
	KindTxnCommit
	KindTxnAbort
	KindJournalCheckpoint
	KindJournalRecovery
	// CoW / snapshot
	KindCoWRemap
	KindSnapshotCreate
	KindSnapshotDelete
	KindGCReclaim
	// IPC / agent
	KindEmbeddingRequest
	KindEmbeddingResponse
	KindServiceRegister
	KindServiceHeartbeat
	// System / corruption
	KindCorruption
	KindRateLimited
	KindSystemOther
)

// Flags are the orthogonal boolean attributes an event can carry.
type Flags uint16

const (
	FlagAtomic Flags = 1 << iota
	FlagTransactional
	FlagCausal
	FlagAgentVisible
	FlagDeterministic
	FlagCompressed
	FlagIndexed
	FlagReplicated
)

// Priority orders events for delivery/backpressure decisions.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Timestamp bundles an event's multi-facet time/identity fields.
type Timestamp struct {
	Wall      time.Time
	CPUID     int32
	PID       int32
	Monotonic uint64 // monotonic sequence, process-local
}

// Context carries the operation-specific correlation ids.
type Context struct {
	TransactionID    uint64
	SessionID        string
	CausalityChainID string
	// OperationPayload is free-form and schema-versioned per event type:
	// a duck-typed JSON payload, not a fixed discriminated union.
	OperationPayload json.RawMessage
}

// VectorClock tracks one logical counter per event origin ("kernel",
// an agent id, ...), for ordering/merging events that share a GlobalSeq
// across the kernel/userspace boundary.
type VectorClock map[string]uint64

// Merge returns the elementwise max of c and other, without mutating
// either.
func (c VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Event is one entry in the semantic event journal.
type Event struct {
	ID             uint64
	GlobalSeq      uint64
	LocalSeq       uint64
	Type           Kind
	Subtype        uint16
	Timestamp      Timestamp
	Flags          Flags
	Priority       Priority
	Context        Context
	CausalityLinks []uint64 // parent event ids
	Payload        json.RawMessage
	SchemaVersion  string // e.g. "v1.2.0"

	// Path is the filesystem path the event concerns, when it concerns
	// one ("" for events with no single associated path).
	Path string
	// Tags are free-form agent-assigned labels, matched by Query.Tags
	// (an event must carry every tag the query asks for).
	Tags []string
	// RelevanceScore ranks an event's significance to ranking/search
	// consumers (e.g. a VectorSearch event's top-hit distance, inverted
	// so higher is more relevant); 0 for event kinds that don't rank.
	RelevanceScore float64
	// AgentVisibility is a bitmask of which agents may see this event;
	// 0 means visible to every agent (no restriction).
	AgentVisibility uint64
	// Origin identifies which realm produced the event ("kernel" or an
	// agent id), the VectorClock key Bridge merges conflicts against.
	Origin string
	// Clock is this event's vector clock at emission time.
	Clock VectorClock
}

// HasFlag reports whether f is set on e.
func (e Event) HasFlag(f Flags) bool { return e.Flags&f != 0 }

// ValidSchemaVersion reports whether v is a well-formed semantic version
// ("" is allowed — older producers may not set SchemaVersion at all).
func ValidSchemaVersion(v string) bool {
	return v == "" || semver.IsValid(v)
}
