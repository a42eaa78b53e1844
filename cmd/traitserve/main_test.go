package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/traitkit/bus"
	"github.com/vinayprograms/traitkit/config"
	"github.com/vinayprograms/traitkit/intake"
	"github.com/vinayprograms/traitkit/ratelimit"
	"github.com/vinayprograms/traitkit/serve"
)

func newRoutes(t *testing.T, limit int) (*httptest.Server, bus.Subscription) {
	t.Helper()
	cfg := config.Default()
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { mb.Close() })

	sub, err := mb.Subscribe(cfg.Bus.Subject)
	require.NoError(t, err)

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Capacity: limit, Window: time.Hour})
	t.Cleanup(func() { limiter.Close() })

	relay := intake.NewRelay(mb, intake.Config{Subject: cfg.Bus.Subject})
	srv := httptest.NewServer(routes(&cfg, serve.NewHandler(serve.DefaultConfig()), relay, mb, limiter))
	t.Cleanup(srv.Close)
	return srv, sub
}

func TestRoutes_Healthz(t *testing.T) {
	srv, _ := newRoutes(t, 10)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		OK       bool `json:"ok"`
		Sessions int  `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, 0, body.Sessions)
}

func TestRoutes_PublishShard(t *testing.T) {
	srv, sub := newRoutes(t, 10)

	body := `{"libraryId":"libA","descriptors":[{"traitId":"Eq","targetTypeId":"Foo","sourceText":"impl Eq for Foo"}]}`
	resp, err := http.Post(srv.URL+"/shards", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case msg := <-sub.Messages():
		var env intake.Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		assert.Equal(t, "libA", env.LibraryID)
		assert.Len(t, env.Descriptors, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope was not published")
	}
}

func TestRoutes_PublishErrors(t *testing.T) {
	srv, _ := newRoutes(t, 2)

	resp, err := http.Get(srv.URL + "/shards")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/shards", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A script without a trait id is refused; it also spends the last token.
	resp, err = http.Post(srv.URL+"/shards", "application/json", strings.NewReader(`{"script":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/shards", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
