package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/traitkit/errors"
)

// Record is one implementation of one trait, contributed by one library.
type Record struct {
	// TraitID identifies the trait bucket the record belongs to.
	TraitID string `json:"traitId"`

	// TargetTypeID identifies the implementing type.
	TargetTypeID string `json:"targetTypeId"`

	// LibraryID is the library whose shard contributed the record.
	LibraryID string `json:"libraryId"`

	// SourceText is the opaque rendered signature.
	SourceText string `json:"sourceText"`

	// ConstraintText is the opaque rendered where-clause. May be empty.
	ConstraintText string `json:"constraintText,omitempty"`

	// Synthetic marks auto-derived implementations.
	Synthetic bool `json:"synthetic"`

	// Extra holds descriptor fields the registry does not interpret.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Identity is the deduplication key of a record.
type Identity struct {
	TraitID      string
	TargetTypeID string
	LibraryID    string
	SourceText   string
}

// Identity returns the record's deduplication key.
func (r Record) Identity() Identity {
	return Identity{
		TraitID:      r.TraitID,
		TargetTypeID: r.TargetTypeID,
		LibraryID:    r.LibraryID,
		SourceText:   r.SourceText,
	}
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	c := r
	c.Extra = cloneExtra(r.Extra)
	return c
}

// Less orders records by library, then target type. SourceText, ConstraintText
// and Synthetic break ties so the order never depends on arrival.
func Less(a, b Record) bool {
	if a.LibraryID != b.LibraryID {
		return a.LibraryID < b.LibraryID
	}
	if a.TargetTypeID != b.TargetTypeID {
		return a.TargetTypeID < b.TargetTypeID
	}
	if a.SourceText != b.SourceText {
		return a.SourceText < b.SourceText
	}
	if a.ConstraintText != b.ConstraintText {
		return a.ConstraintText < b.ConstraintText
	}
	return !a.Synthetic && b.Synthetic
}

// Prefer reports whether a should replace b when both carry the same identity.
// The record lowest on ConstraintText, then Synthetic, then canonical Extra
// wins, so the surviving record never depends on arrival order.
func Prefer(a, b Record) bool {
	if a.ConstraintText != b.ConstraintText {
		return a.ConstraintText < b.ConstraintText
	}
	if a.Synthetic != b.Synthetic {
		return !a.Synthetic
	}
	ca, cb := canonicalExtra(a.Extra), canonicalExtra(b.Extra)
	if ca != cb {
		return ca < cb
	}
	return rawExtra(a.Extra) < rawExtra(b.Extra)
}

// canonicalExtra renders Extra with sorted keys and compacted values.
func canonicalExtra(m map[string]json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return rawExtra(m)
	}
	return string(data)
}

// rawExtra renders Extra byte for byte with sorted keys.
func rawExtra(m map[string]json.RawMessage) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(0)
		sb.Write(m[k])
		sb.WriteByte(0)
	}
	return sb.String()
}

// Shard is one library's validated contribution. It is immutable once built.
type Shard struct {
	libraryID string
	records   []Record
}

// New validates descriptors and converts them into a Shard.
// An empty libraryID, or any descriptor without a trait or target type,
// rejects the whole shard with a MALFORMED_SHARD error.
func New(libraryID string, descs []Descriptor) (*Shard, error) {
	if strings.TrimSpace(libraryID) == "" {
		return nil, errors.MalformedShard("", "empty library id")
	}

	records := make([]Record, 0, len(descs))
	for i, d := range descs {
		if d.TraitID == "" {
			return nil, errors.MalformedShard(libraryID, fmt.Sprintf("record %d has no traitId", i),
				errors.WithMetadata("index", fmt.Sprint(i)))
		}
		if d.TargetTypeID == "" {
			return nil, errors.MalformedShard(libraryID, fmt.Sprintf("record %d has no targetTypeId", i),
				errors.WithMetadata("index", fmt.Sprint(i)),
				errors.WithTraitID(d.TraitID))
		}
		records = append(records, d.record(libraryID))
	}

	return &Shard{libraryID: libraryID, records: records}, nil
}

// LibraryID returns the contributing library.
func (s *Shard) LibraryID() string {
	return s.libraryID
}

// Len returns the number of records in the shard.
func (s *Shard) Len() int {
	return len(s.records)
}

// Records returns a copy of the shard's records in submission order.
func (s *Shard) Records() []Record {
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Traits returns the distinct trait ids the shard touches, sorted.
func (s *Shard) Traits() []string {
	seen := make(map[string]struct{})
	var traits []string
	for _, r := range s.records {
		if _, ok := seen[r.TraitID]; ok {
			continue
		}
		seen[r.TraitID] = struct{}{}
		traits = append(traits, r.TraitID)
	}
	sort.Strings(traits)
	return traits
}

func cloneExtra(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
