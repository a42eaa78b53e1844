package registry

import (
	"sort"
	"time"

	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/shard"
)

// Kind distinguishes the first notification of an attachment from later ones.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindDelta    Kind = "delta"
)

// Notification is one delivery to a consumer.
type Notification struct {
	// TraitID is the bucket the notification belongs to.
	TraitID string `json:"traitId"`

	// Kind is snapshot for the first delivery and delta afterwards.
	Kind Kind `json:"kind"`

	// Records is the whole bucket for a snapshot, or the records a merge
	// added or replaced for a delta. Always in bucket order.
	Records []shard.Record `json:"records"`

	// Positions holds the index of each record in the bucket after the merge.
	// For a snapshot it is 0..len-1.
	Positions []int `json:"positions"`

	// Replaced lists indexes into Records whose record supersedes a stored
	// one with the same identity. The superseded record is no longer in the
	// bucket; Size does not grow for these.
	Replaced []int `json:"replaced,omitempty"`

	// Size is the bucket length after the merge.
	Size int `json:"size"`
}

// Consumer receives notifications for one trait.
type Consumer interface {
	Notify(Notification) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(Notification) error

// Notify implements Consumer.
func (f ConsumerFunc) Notify(n Notification) error { return f(n) }

// MergeResult summarises one accepted submission.
type MergeResult struct {
	LibraryID string

	// Added counts records new to their bucket.
	Added int

	// Replaced counts records that superseded a stored record with the
	// same identity because shard.Prefer ranked them lower.
	Replaced int

	// Duplicates counts records whose identity was already merged and
	// which did not replace the stored record.
	Duplicates int

	// Traits lists, sorted, the traits that gained or changed records.
	Traits []string

	// Deferred is set when the submission arrived during a delivery and
	// was queued. Counts are zero in that case.
	Deferred bool
}

// Stats is a read-only view of registry counters.
type Stats struct {
	Traits      int `json:"traits"`
	Records     int `json:"records"`
	Attachments int `json:"attachments"`
	Submissions int `json:"submissions"`
	Rejected    int `json:"rejected"`
	Duplicates  int `json:"duplicates"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithSink sets the diagnostic sink. Default: diag.Discard.
func WithSink(sink diag.Sink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithLogger sets the logger. Default: logging.Discard().
func WithLogger(log *logging.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log.WithComponent("registry")
		}
	}
}

// WithClock sets the time source for diagnostics.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPageID stamps diagnostics with the owning page view.
func WithPageID(id string) Option {
	return func(r *Registry) {
		r.pageID = id
	}
}

// Registry is the page-scoped aggregation point.
type Registry struct {
	buckets  map[string]*bucket
	attached map[string][]*Attachment

	sink   diag.Sink
	log    *logging.Logger
	now    func() time.Time
	pageID string

	delivering bool
	deferred   []*shard.Shard
	closed     bool
	stats      Stats
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		buckets:  make(map[string]*bucket),
		attached: make(map[string][]*Attachment),
		sink:     diag.Discard,
		log:      logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit validates one library's descriptors and merges them. A malformed
// shard is reported, returned and dropped whole. Duplicate records are not
// an error and only reach the debug log.
func (r *Registry) Submit(libraryID string, descs []shard.Descriptor) error {
	if r.closed {
		return errors.Closed("registry closed", errors.WithLibraryID(libraryID))
	}

	s, err := shard.New(libraryID, descs)
	if err != nil {
		r.stats.Rejected++
		r.report(diag.KindShardRejected, err, "")
		return err
	}

	_, err = r.SubmitShard(s)
	return err
}

// SubmitShard merges an already validated shard.
func (r *Registry) SubmitShard(s *shard.Shard) (MergeResult, error) {
	if r.closed {
		return MergeResult{}, errors.Closed("registry closed")
	}
	if s == nil {
		return MergeResult{}, errors.InvalidInput("nil shard")
	}

	if r.delivering {
		r.deferred = append(r.deferred, s)
		return MergeResult{LibraryID: s.LibraryID(), Deferred: true}, nil
	}

	result := r.merge(s)
	r.drainDeferred()
	return result, nil
}

// drainDeferred merges submissions queued by consumer callbacks, in the order
// they were made.
func (r *Registry) drainDeferred() {
	for len(r.deferred) > 0 && !r.closed && !r.delivering {
		next := r.deferred[0]
		r.deferred = r.deferred[1:]
		r.merge(next)
	}
}

// merge applies one shard and delivers the resulting deltas.
func (r *Registry) merge(s *shard.Shard) MergeResult {
	result := MergeResult{LibraryID: s.LibraryID()}
	r.stats.Submissions++

	// changed maps trait to the identities this merge touched, true for
	// identities new to the bucket.
	changed := make(map[string]map[shard.Identity]bool)
	for _, rec := range s.Records() {
		b, ok := r.buckets[rec.TraitID]
		if !ok {
			b = newBucket()
			r.buckets[rec.TraitID] = b
		}
		id := rec.Identity()
		switch b.insert(rec) {
		case kept:
			result.Duplicates++
			continue
		case inserted:
			result.Added++
			if changed[rec.TraitID] == nil {
				changed[rec.TraitID] = make(map[shard.Identity]bool)
			}
			changed[rec.TraitID][id] = true
		case replaced:
			if _, seen := changed[rec.TraitID][id]; seen {
				// Superseded a record this shard already contributed.
				result.Duplicates++
				continue
			}
			result.Replaced++
			if changed[rec.TraitID] == nil {
				changed[rec.TraitID] = make(map[shard.Identity]bool)
			}
			changed[rec.TraitID][id] = false
		}
	}

	for traitID := range changed {
		result.Traits = append(result.Traits, traitID)
	}
	sort.Strings(result.Traits)

	if result.Added == 0 && result.Replaced == 0 {
		if s.Len() > 0 {
			r.stats.Duplicates++
			r.log.DuplicateSubmission(s.LibraryID(), s.Len())
		}
		return result
	}
	r.log.ShardMerged(s.LibraryID(), len(result.Traits), result.Added, result.Replaced)

	deltas := make(map[string]Notification, len(result.Traits))
	for _, traitID := range result.Traits {
		b := r.buckets[traitID]
		b.sort()
		deltas[traitID] = b.delta(traitID, changed[traitID])
	}

	// Attachments made during this round already saw the merged records in
	// their snapshot, so targets are fixed before the first callback runs.
	targets := make(map[string][]*Attachment, len(result.Traits))
	for _, traitID := range result.Traits {
		targets[traitID] = append([]*Attachment(nil), r.attached[traitID]...)
	}

	r.delivering = true
	defer func() { r.delivering = false }()
	for _, traitID := range result.Traits {
		for _, a := range targets[traitID] {
			if a.detached {
				continue
			}
			r.deliver(a, deltas[traitID])
		}
	}
	return result
}

// Attach registers c for traitID and delivers the current bucket to it before
// returning.
func (r *Registry) Attach(traitID string, c Consumer) (*Attachment, error) {
	if r.closed {
		return nil, errors.Closed("registry closed", errors.WithTraitID(traitID))
	}
	if traitID == "" {
		return nil, errors.InvalidInput("attach needs a trait id")
	}
	if c == nil {
		return nil, errors.InvalidInput("attach needs a consumer", errors.WithTraitID(traitID))
	}

	a := newAttachment(r, traitID, c)
	r.attached[traitID] = append(r.attached[traitID], a)

	snap := r.snapshot(traitID)
	r.log.ConsumerAttached(traitID, a.id, len(snap.Records))
	r.deliver(a, snap)
	r.drainDeferred()
	return a, nil
}

// Query returns a copy of the bucket for traitID. It is empty, never nil,
// when nothing has been merged.
func (r *Registry) Query(traitID string) []shard.Record {
	b, ok := r.buckets[traitID]
	if !ok {
		return []shard.Record{}
	}
	return b.copyRecords()
}

// Traits returns, sorted, every trait with at least one merged record.
func (r *Registry) Traits() []string {
	traits := make([]string, 0, len(r.buckets))
	for traitID, b := range r.buckets {
		if len(b.records) > 0 {
			traits = append(traits, traitID)
		}
	}
	sort.Strings(traits)
	return traits
}

// Stats returns current counters.
func (r *Registry) Stats() Stats {
	s := r.stats
	s.Traits = 0
	s.Records = 0
	for _, b := range r.buckets {
		if len(b.records) > 0 {
			s.Traits++
		}
		s.Records += len(b.records)
	}
	s.Attachments = 0
	for _, list := range r.attached {
		s.Attachments += len(list)
	}
	return s
}

// Close detaches every consumer and rejects further calls. Queued
// submissions are dropped.
func (r *Registry) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for _, list := range r.attached {
		for _, a := range list {
			a.detached = true
		}
	}
	r.attached = make(map[string][]*Attachment)
	r.deferred = nil
}

func (r *Registry) snapshot(traitID string) Notification {
	records := r.Query(traitID)
	positions := make([]int, len(records))
	for i := range positions {
		positions[i] = i
	}
	return Notification{
		TraitID:   traitID,
		Kind:      KindSnapshot,
		Records:   records,
		Positions: positions,
		Size:      len(records),
	}
}

// deliver hands n to a single consumer, isolating its failures.
func (r *Registry) deliver(a *Attachment, n Notification) {
	n.Records = cloneRecords(n.Records)
	n.Positions = append([]int(nil), n.Positions...)
	if n.Replaced != nil {
		n.Replaced = append([]int(nil), n.Replaced...)
	}

	wasDelivering := r.delivering
	r.delivering = true
	defer func() {
		r.delivering = wasDelivering
		if rec := recover(); rec != nil {
			r.consumerFailed(a, errors.RecoverPanic(rec))
		}
	}()

	if err := a.consumer.Notify(n); err != nil {
		r.consumerFailed(a, err)
	}
}

func (r *Registry) consumerFailed(a *Attachment, cause error) {
	err := errors.ConsumerCallback(a.traitID, cause, errors.WithMetadata("attachment_id", a.id))
	r.report(diag.KindConsumerFailed, err, a.id)
}

func (r *Registry) report(kind diag.Kind, err error, attachmentID string) {
	ev := diag.FromError(kind, err)
	ev.PageID = r.pageID
	ev.AttachmentID = attachmentID
	ev.Time = r.now()
	r.sink.Report(ev)
}

func (r *Registry) detach(a *Attachment) {
	list := r.attached[a.traitID]
	for i, other := range list {
		if other == a {
			r.attached[a.traitID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.attached[a.traitID]) == 0 {
		delete(r.attached, a.traitID)
	}
	r.log.ConsumerDetached(a.traitID, a.id)
}

func cloneRecords(in []shard.Record) []shard.Record {
	out := make([]shard.Record, len(in))
	for i, rec := range in {
		out[i] = rec.Clone()
	}
	return out
}
