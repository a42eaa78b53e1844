package intake

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/traitkit/bus"
	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/shard"
)

// DefaultSubject is the bus subject shard envelopes are published on.
const DefaultSubject = "traitkit.shards"

// Envelope is the wire form of one submission.
type Envelope struct {
	// LibraryID and Descriptors carry a single library's shard.
	LibraryID   string             `json:"libraryId,omitempty"`
	Descriptors []shard.Descriptor `json:"descriptors,omitempty"`

	// TraitID and Script carry a rustdoc implementor script instead.
	TraitID string `json:"traitId,omitempty"`
	Script  string `json:"script,omitempty"`

	PublishedAt time.Time `json:"publishedAt"`
}

// Payload converts the envelope into per-library descriptors.
func (e Envelope) Payload() (shard.Payload, error) {
	if e.Script != "" {
		return shard.ParseScript(e.TraitID, []byte(e.Script))
	}
	return shard.Payload{e.LibraryID: e.Descriptors}, nil
}

// Publish sends one library's descriptors on subject.
func Publish(mb bus.MessageBus, subject, libraryID string, descs []shard.Descriptor) error {
	return publish(mb, subject, Envelope{LibraryID: libraryID, Descriptors: descs})
}

// PublishScript sends a rustdoc implementor script for traitID on subject.
func PublishScript(mb bus.MessageBus, subject, traitID string, src []byte) error {
	if traitID == "" {
		return errors.InvalidInput("script envelope needs a trait id")
	}
	return publish(mb, subject, Envelope{TraitID: traitID, Script: string(src)})
}

func publish(mb bus.MessageBus, subject string, env Envelope) error {
	env.PublishedAt = time.Now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope", errors.WithLibraryID(env.LibraryID))
	}
	if err := mb.Publish(subject, data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "publish envelope",
			errors.WithLibraryID(env.LibraryID))
	}
	return nil
}

// Target receives relayed submissions. *page.Page satisfies it.
type Target interface {
	Submit(libraryID string, descs []shard.Descriptor) error
}

// Config configures a Relay.
type Config struct {
	// Subject to subscribe to. Default: DefaultSubject.
	Subject string

	// Sink receives diagnostics for undecodable envelopes.
	Sink diag.Sink

	// Logger for relay activity.
	Logger *logging.Logger
}

// Relay forwards envelopes from the bus to targets.
type Relay struct {
	bus     bus.MessageBus
	subject string
	sink    diag.Sink
	log     *logging.Logger

	mu       sync.Mutex
	targets  map[string]Target
	retained []shard.Payload
}

// NewRelay creates a relay reading from mb.
func NewRelay(mb bus.MessageBus, cfg Config) *Relay {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Relay{
		bus:     mb,
		subject: cfg.Subject,
		sink:    cfg.Sink,
		log:     cfg.Logger.WithComponent("intake"),
		targets: make(map[string]Target),
	}
}

// Add registers a target under id and replays every envelope received so
// far to it, in arrival order.
func (r *Relay) Add(id string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets[id] = t
	for _, p := range r.retained {
		if !r.deliver(id, t, p) {
			return
		}
	}
}

// Remove unregisters a target.
func (r *Relay) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, id)
}

// Targets returns the number of registered targets.
func (r *Relay) Targets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// Run subscribes and relays until ctx is done or the subscription ends.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(r.subject)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "subscribe to "+r.subject)
	}
	defer sub.Unsubscribe()

	r.log.Info("relay_started", logging.Fields{"subject": r.subject})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			r.Handle(msg.Data)
		}
	}
}

// Handle decodes one envelope and forwards it to every target.
func (r *Relay) Handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.reject(errors.WrapWithCode(err, errors.ErrCodeMalformedShard, "undecodable envelope"))
		return
	}
	payload, err := env.Payload()
	if err != nil {
		r.reject(errors.WrapWithCode(err, errors.ErrCodeMalformedShard, "unparsable script envelope",
			errors.WithTraitID(env.TraitID)))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.retained = append(r.retained, payload)
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.deliver(id, r.targets[id], payload)
	}
	r.log.Debug("envelope_relayed", logging.Fields{
		"libraries": len(payload),
		"targets":   len(ids),
	})
}

// deliver submits p to t. A target that reports CLOSED is dropped. Callers
// hold r.mu.
func (r *Relay) deliver(id string, t Target, p shard.Payload) bool {
	for _, lib := range p.Libraries() {
		err := t.Submit(lib, p[lib])
		if errors.Is(err, errors.ErrCodeClosed) {
			delete(r.targets, id)
			return false
		}
	}
	return true
}

func (r *Relay) reject(err *errors.Error) {
	r.log.Warn("envelope_rejected", logging.Fields{"error": err.Error()})
	r.sink.Report(diag.FromError(diag.KindShardRejected, err))
}
