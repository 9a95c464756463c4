// Package crdt implements the per-entity CRDT documents that let
// client and server merge concurrent edits without coordination:
// last-writer-wins per scalar field keyed by (logicalTimestamp,
// replicaId), plus a set-once tombstone register for soft deletes.
// That gives merge the properties it needs (commutative, associative,
// idempotent) without a general-purpose Automerge-style dependency.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nsfisis/kioku/internal/model"
)

// Stamp is the logical clock a replica attaches to a write: a logical
// timestamp paired with a stable replica identifier used to break ties
// deterministically.
type Stamp struct {
	Timestamp int64  `json:"ts"`
	ReplicaID string `json:"replica"`
}

// less reports whether s sorts before o under (timestamp, replicaId)
// lexicographic order, where a strictly later timestamp always wins.
func (s Stamp) less(o Stamp) bool {
	if s.Timestamp != o.Timestamp {
		return s.Timestamp < o.Timestamp
	}
	return s.ReplicaID < o.ReplicaID
}

// Field is a single LWW register: a value plus the stamp that wrote
// it.
type Field struct {
	Value json.RawMessage `json:"value"`
	Stamp Stamp           `json:"stamp"`
}

// Document is the CRDT encoding of one entity's mutable fields.
// Scalar fields merge by LWW (Fields); DeletedAt merges as a
// set-once tombstone (Tombstone).
type Document struct {
	EntityType model.EntityType   `json:"entityType"`
	EntityID   uuid.UUID          `json:"entityId"`
	Fields     map[string]Field   `json:"fields"`
	Tombstone  *Field             `json:"tombstone,omitempty"`
}

// DocumentIDFor returns the stable document identifier for an entity:
// "<entityType>:<entityId>".
func DocumentIDFor(entityType model.EntityType, entityID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}

// Encode serializes a Document to the form pushed/pulled over the
// wire (JSON at the transport layer).
func Encode(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Decode parses a Document previously produced by Encode.
func Decode(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("crdt: decode document: %w", err)
	}
	return doc, nil
}

// setField encodes value and stores it as a field of doc.
func setField(doc *Document, name string, value any, stamp Stamp) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: encode field %q: %w", name, err)
	}
	if doc.Fields == nil {
		doc.Fields = make(map[string]Field)
	}
	doc.Fields[name] = Field{Value: raw, Stamp: stamp}
	return nil
}

// getField decodes a field into dst, reporting whether it was
// present.
func getField(doc Document, name string, dst any) (bool, error) {
	f, ok := doc.Fields[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(f.Value, dst); err != nil {
		return false, fmt.Errorf("crdt: decode field %q: %w", name, err)
	}
	return true, nil
}

// setTombstone marks the document deleted at stamp. Call sites only
// invoke this when the source entity is actually soft-deleted; the
// merge itself is a set-once register, not LWW.
func setTombstone(doc *Document, deletedAtUnixNano int64, stamp Stamp) {
	raw, _ := json.Marshal(deletedAtUnixNano)
	doc.Tombstone = &Field{Value: raw, Stamp: stamp}
}

// Merge combines two documents for the same entity into one,
// satisfying the merge laws commutativity requires:
//
//	merge(A,B) = merge(B,A)
//	merge(A,merge(B,C)) = merge(merge(A,B),C)
//	merge(A,A) = A
//
// Field merge is per-key LWW (max stamp wins, ties broken by replica
// id), which is commutative/associative/idempotent because "max" is.
// Tombstone merge keeps whichever side has one set, preferring the
// earlier stamp when both are set, so that a delete can never be
// un-done by a later concurrent edit arriving on its own — the
// merge is still a pure function of its two inputs and remains
// idempotent since "earliest of the set tombstones" is also a
// commutative/associative/idempotent reduction.
func Merge(a, b Document) (Document, error) {
	if a.EntityType != "" && b.EntityType != "" && a.EntityType != b.EntityType {
		return Document{}, fmt.Errorf("crdt: cannot merge documents of different entity types %q and %q", a.EntityType, b.EntityType)
	}
	if a.EntityID != uuid.Nil && b.EntityID != uuid.Nil && a.EntityID != b.EntityID {
		return Document{}, fmt.Errorf("crdt: cannot merge documents for different entities %s and %s", a.EntityID, b.EntityID)
	}

	merged := Document{
		EntityType: firstNonEmpty(a.EntityType, b.EntityType),
		EntityID:   firstNonNilUUID(a.EntityID, b.EntityID),
		Fields:     make(map[string]Field),
	}

	keys := make(map[string]struct{})
	for k := range a.Fields {
		keys[k] = struct{}{}
	}
	for k := range b.Fields {
		keys[k] = struct{}{}
	}
	sortedKeys := make([]string, 0, len(keys))
	for k := range keys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	for _, k := range sortedKeys {
		fa, oka := a.Fields[k]
		fb, okb := b.Fields[k]
		switch {
		case oka && okb:
			if fa.Stamp.less(fb.Stamp) {
				merged.Fields[k] = fb
			} else {
				merged.Fields[k] = fa
			}
		case oka:
			merged.Fields[k] = fa
		case okb:
			merged.Fields[k] = fb
		}
	}

	merged.Tombstone = mergeTombstone(a.Tombstone, b.Tombstone)

	return merged, nil
}

func mergeTombstone(a, b *Field) *Field {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Stamp.less(a.Stamp):
		return b
	default:
		return a
	}
}

func firstNonEmpty(a, b model.EntityType) model.EntityType {
	if a != "" {
		return a
	}
	return b
}

func firstNonNilUUID(a, b uuid.UUID) uuid.UUID {
	if a != uuid.Nil {
		return a
	}
	return b
}
