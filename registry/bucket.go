package registry

import (
	"sort"

	"github.com/vinayprograms/traitkit/shard"
)

// outcome is what insert did with a record.
type outcome int

const (
	kept outcome = iota
	inserted
	replaced
)

// bucket holds the merged records of one trait.
type bucket struct {
	records []shard.Record
	index   map[shard.Identity]int
}

func newBucket() *bucket {
	return &bucket{index: make(map[shard.Identity]int)}
}

// insert adds rec. A record whose identity is already present replaces the
// stored one only when shard.Prefer ranks it lower. The bucket is unsorted
// until sort is called.
func (b *bucket) insert(rec shard.Record) outcome {
	id := rec.Identity()
	if i, ok := b.index[id]; ok {
		if !shard.Prefer(rec, b.records[i]) {
			return kept
		}
		b.records[i] = rec
		return replaced
	}
	b.index[id] = len(b.records)
	b.records = append(b.records, rec)
	return inserted
}

func (b *bucket) sort() {
	sort.SliceStable(b.records, func(i, j int) bool {
		return shard.Less(b.records[i], b.records[j])
	})
	for i, rec := range b.records {
		b.index[rec.Identity()] = i
	}
}

// delta locates changed records in the sorted bucket. changes maps each
// identity touched by the merge to true when it is new to the bucket.
func (b *bucket) delta(traitID string, changes map[shard.Identity]bool) Notification {
	n := Notification{
		TraitID:   traitID,
		Kind:      KindDelta,
		Records:   make([]shard.Record, 0, len(changes)),
		Positions: make([]int, 0, len(changes)),
		Size:      len(b.records),
	}
	for i, rec := range b.records {
		isNew, ok := changes[rec.Identity()]
		if !ok {
			continue
		}
		if !isNew {
			n.Replaced = append(n.Replaced, len(n.Records))
		}
		n.Records = append(n.Records, rec)
		n.Positions = append(n.Positions, i)
	}
	return n
}

func (b *bucket) copyRecords() []shard.Record {
	return cloneRecords(b.records)
}
