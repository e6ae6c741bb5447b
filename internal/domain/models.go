// Package domain defines the core data types shared across the relayhub
// registry, store, server, and node agent layers.
package domain

import (
	"maps"
	"time"
)

// DefaultLivenessWindow is how long after its last heartbeat a relay is
// still listed as active.
const DefaultLivenessWindow = 30 * time.Second

// Identity is the opaque, unforgeable caller token the registry keys server
// records by. In relayhub it is the ID of the caller's API key.
type Identity string

// HeartbeatStatus discriminates the successful outcomes of a heartbeat.
type HeartbeatStatus string

// Heartbeat outcomes. Assignment delivery always pre-empts liveness recording.
const (
	HeartbeatAssignmentDelivered HeartbeatStatus = "assignment_delivered"
	HeartbeatLivenessRecorded    HeartbeatStatus = "liveness_recorded"
)

// ServerRecord is the registry entry of one relay node.
type ServerRecord struct {
	Name       string `json:"name"`
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
	LastActive int64  `json:"last_active"` // unix seconds
	Reputation int64  `json:"reputation"`
}

// Registry is the aggregate root persisted as a single snapshot.
type Registry struct {
	Servers map[Identity]ServerRecord
	// PendingAssignments maps a server name to the client public key waiting
	// to be delivered on that server's next heartbeat.
	PendingAssignments map[string]string
	// AssignedTo records which identity a pending assignment was selected
	// for. Names registered by several identities deliver only to it.
	AssignedTo map[string]Identity
}

// NewRegistry returns an empty registry with initialized maps.
func NewRegistry() Registry {
	return Registry{
		Servers:            make(map[Identity]ServerRecord),
		PendingAssignments: make(map[string]string),
		AssignedTo:         make(map[string]Identity),
	}
}

// Clone returns a deep copy of r. Nil maps come back initialized.
func (r Registry) Clone() Registry {
	out := NewRegistry()
	maps.Copy(out.Servers, r.Servers)
	maps.Copy(out.PendingAssignments, r.PendingAssignments)
	maps.Copy(out.AssignedTo, r.AssignedTo)
	return out
}

// ActiveServer is one row of the active directory.
type ActiveServer struct {
	Name       string `json:"name"`
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
	Reputation int64  `json:"reputation"`
}

// Endpoint is what a client needs to reach a selected relay.
type Endpoint struct {
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
}

// HeartbeatOutcome is the discriminated result of a successful heartbeat.
// ClientPublicKey is set only for [HeartbeatAssignmentDelivered].
type HeartbeatOutcome struct {
	Status          HeartbeatStatus `json:"status"`
	ClientPublicKey string          `json:"client_public_key,omitempty"`
}

// Assigned reports whether the heartbeat delivered a client assignment.
func (o HeartbeatOutcome) Assigned() bool {
	return o.Status == HeartbeatAssignmentDelivered
}

// APIKey represents a server-managed authentication key. Its ID doubles as
// the [Identity] of the relay node presenting it.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}
