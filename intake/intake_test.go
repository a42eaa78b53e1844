package intake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/traitkit/bus"
	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/page"
	"github.com/vinayprograms/traitkit/shard"
)

// fakeTarget records submissions.
type fakeTarget struct {
	mu     sync.Mutex
	libs   []string
	closed bool
}

func (f *fakeTarget) Submit(libraryID string, descs []shard.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.Closed("gone")
	}
	f.libs = append(f.libs, libraryID)
	return nil
}

func (f *fakeTarget) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.libs...)
}

var eqFoo = []shard.Descriptor{{TraitID: "Eq", TargetTypeID: "Foo", SourceText: "impl Eq for Foo"}}

const unpinScript = `(function() {var implementors = {};
implementors["bytes"] = [{"text":"impl Unpin for Bytes","synthetic":true,"types":["bytes::Bytes"]}];
implementors["futures"] = [{"text":"impl Unpin for Abortable","synthetic":true,"types":["futures::Abortable"]}];
if (window.register_implementors) {window.register_implementors(implementors);} else {window.pending_implementors = implementors;}})()`

// --- Unit Tests ---

func TestPublish_EncodesEnvelope(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	sub, err := mb.Subscribe(DefaultSubject)
	require.NoError(t, err)

	require.NoError(t, Publish(mb, DefaultSubject, "libA", eqFoo))

	msg := <-sub.Messages()
	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	require.Equal(t, "libA", env.LibraryID)
	require.Len(t, env.Descriptors, 1)
	require.Equal(t, "Foo", env.Descriptors[0].TargetTypeID)
	require.False(t, env.PublishedAt.IsZero())
}

func TestPublish_ClosedBus(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	mb.Close()

	err := Publish(mb, DefaultSubject, "libA", eqFoo)
	require.True(t, errors.Is(err, errors.ErrCodeUnavailable), "got %v", err)
}

func TestPublishScript_RequiresTrait(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()
	err := PublishScript(mb, DefaultSubject, "", []byte(unpinScript))
	require.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestEnvelope_ScriptPayload(t *testing.T) {
	env := Envelope{TraitID: "core::marker::Unpin", Script: unpinScript}
	p, err := env.Payload()
	require.NoError(t, err)
	require.Equal(t, []string{"bytes", "futures"}, p.Libraries())
	require.Equal(t, "core::marker::Unpin", p["bytes"][0].TraitID)
}

func TestRelay_Handle(t *testing.T) {
	r := NewRelay(bus.NewMemoryBus(bus.DefaultConfig()), Config{})
	a, b := &fakeTarget{}, &fakeTarget{}
	r.Add("a", a)
	r.Add("b", b)

	data, _ := json.Marshal(Envelope{LibraryID: "libA", Descriptors: eqFoo})
	r.Handle(data)

	require.Equal(t, []string{"libA"}, a.submitted())
	require.Equal(t, []string{"libA"}, b.submitted())
}

func TestRelay_ReplaysToLateTargets(t *testing.T) {
	r := NewRelay(bus.NewMemoryBus(bus.DefaultConfig()), Config{})

	for _, lib := range []string{"libB", "libA"} {
		data, _ := json.Marshal(Envelope{LibraryID: lib, Descriptors: eqFoo})
		r.Handle(data)
	}

	late := &fakeTarget{}
	r.Add("late", late)
	require.Equal(t, []string{"libB", "libA"}, late.submitted())
}

func TestRelay_DropsClosedTargets(t *testing.T) {
	r := NewRelay(bus.NewMemoryBus(bus.DefaultConfig()), Config{})
	gone := &fakeTarget{closed: true}
	r.Add("gone", gone)
	r.Add("live", &fakeTarget{})

	data, _ := json.Marshal(Envelope{LibraryID: "libA", Descriptors: eqFoo})
	r.Handle(data)
	require.Equal(t, 1, r.Targets())

	r.Remove("live")
	require.Zero(t, r.Targets())
}

func TestRelay_MalformedEnvelope(t *testing.T) {
	sink := diag.NewRecorder()
	r := NewRelay(bus.NewMemoryBus(bus.DefaultConfig()), Config{Sink: sink})
	target := &fakeTarget{}
	r.Add("t", target)

	r.Handle([]byte(`not json`))
	r.Handle([]byte(`{"traitId":"Eq","script":"implementors[\"x\"] = [{broken"}`))

	require.Empty(t, target.submitted())
	require.Equal(t, 2, sink.Count(diag.KindShardRejected))
	for _, ev := range sink.Events() {
		require.Equal(t, errors.ErrCodeMalformedShard, ev.Code)
	}
}

// --- Integration Tests ---

func TestRelay_BusToPage(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	defer mb.Close()

	r := NewRelay(mb, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayDone := make(chan error, 1)
	go func() { relayDone <- r.Run(ctx) }()

	p := page.New()
	go p.Run(ctx)
	defer p.Teardown()
	r.Add(p.ID(), p)

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		Publish(mb, DefaultSubject, "libA", eqFoo)
		records, err := p.Query(ctx, "Eq")
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, PublishScript(mb, DefaultSubject, "core::marker::Unpin", []byte(unpinScript)))
	require.Eventually(t, func() bool {
		records, err := p.Query(ctx, "core::marker::Unpin")
		return err == nil && len(records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-relayDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
