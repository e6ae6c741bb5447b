package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SnapshotVersion is the current layout version of an encoded [Registry].
const SnapshotVersion = 1

// ErrSnapshotMissing is returned by stores that have never been initialized.
var ErrSnapshotMissing = errors.New("registry snapshot not initialized")

type snapshotDoc struct {
	Version            int                       `json:"version"`
	Servers            map[Identity]ServerRecord `json:"servers"`
	PendingAssignments map[string]string         `json:"pending_assignments"`
	AssignedTo         map[string]Identity       `json:"assigned_to,omitempty"`
}

// EncodeSnapshot serializes the whole registry aggregate.
func EncodeSnapshot(r Registry) ([]byte, error) {
	doc := snapshotDoc{
		Version:            SnapshotVersion,
		Servers:            r.Servers,
		PendingAssignments: r.PendingAssignments,
		AssignedTo:         r.AssignedTo,
	}
	if doc.Servers == nil {
		doc.Servers = map[Identity]ServerRecord{}
	}
	if doc.PendingAssignments == nil {
		doc.PendingAssignments = map[string]string{}
	}
	return json.Marshal(doc)
}

// DecodeSnapshot parses a snapshot produced by [EncodeSnapshot]. Unknown
// versions are rejected rather than guessed at.
func DecodeSnapshot(data []byte) (Registry, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Registry{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Version != SnapshotVersion {
		return Registry{}, fmt.Errorf("decode snapshot: unsupported version %d", doc.Version)
	}
	r := NewRegistry()
	for id, rec := range doc.Servers {
		r.Servers[id] = rec
	}
	for name, key := range doc.PendingAssignments {
		r.PendingAssignments[name] = key
	}
	for name, id := range doc.AssignedTo {
		if _, ok := r.PendingAssignments[name]; ok {
			r.AssignedTo[name] = id
		}
	}
	return r, nil
}
