// Command traitserve serves trait implementor registries to documentation
// renderers. Each WebSocket connection is one page view; shards reach it
// from a directory or S3 bucket and from the shard bus.
//
//	traitserve -config traitkit.toml
//	traitserve -stdio < requests.jsonl
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/vinayprograms/traitkit/bus"
	"github.com/vinayprograms/traitkit/config"
	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/intake"
	"github.com/vinayprograms/traitkit/loader"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/ratelimit"
	"github.com/vinayprograms/traitkit/serve"
	"github.com/vinayprograms/traitkit/shutdown"
	"github.com/vinayprograms/traitkit/transport"
)

func main() {
	configPath := flag.String("config", "", "config file (.toml, .yaml)")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	stdio := flag.Bool("stdio", false, "serve a single page view over stdin/stdout")
	flag.Parse()

	if err := run(*configPath, *addr, *stdio); err != nil {
		fmt.Fprintf(os.Stderr, "traitserve: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, stdio bool) error {
	cfg, used, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	log := logging.New()
	log.SetLevel(logging.ParseLevel(cfg.Log.Level))
	if stdio {
		// stdout carries the protocol.
		log.SetOutput(os.Stderr)
	}
	if used != "" {
		log.Info("config_loaded", logging.Fields{"path": used})
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.Server.ShutdownTimeout,
		ContinueOnError: true,
		Logger:          log,
	})

	mb, err := openBus(cfg.Bus)
	if err != nil {
		return err
	}
	coord.RegisterFunc("bus", shutdown.PhaseBus, func(context.Context) error { return mb.Close() })

	sink, closeSinks, err := openSinks(cfg, mb, log)
	if err != nil {
		mb.Close()
		return err
	}
	coord.RegisterFunc("sinks", shutdown.PhaseSinks, func(context.Context) error { return closeSinks() })

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	relay := intake.NewRelay(mb, intake.Config{Subject: cfg.Bus.Subject, Sink: sink, Logger: log})
	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			log.Error("relay_failed", logging.Fields{"error": err.Error()})
		}
	}()
	coord.RegisterFunc("intake", shutdown.PhaseIntake, func(ctx context.Context) error {
		stopRelay()
		select {
		case <-relayDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	limiter := ratelimit.NewMemoryLimiter(cfg.Server.RateLimit())
	coord.RegisterFunc("limiter", shutdown.PhaseIntake, func(context.Context) error { return limiter.Close() })

	opts := []serve.Option{serve.WithRelay(relay), serve.WithLimiter(limiter)}
	ld, err := openLoader(cfg.Loader, sink, log)
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}
	if ld != nil {
		opts = append(opts, serve.WithLoader(ld))
	}

	wsCfg := transport.DefaultWebSocketConfig()
	wsCfg.PingInterval = cfg.Server.PingInterval
	handler := serve.NewHandler(serve.Config{
		WebSocket:   wsCfg,
		Origins:     cfg.Server.Origins,
		CallTimeout: cfg.Server.CallTimeout,
		Sink:        sink,
		Logger:      log,
	}, opts...)
	coord.Register("views", shutdown.PhaseViews, handler)

	if stdio {
		err := handler.ServeTransport(ctx, transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig()))
		coord.ShutdownWithTimeout(0)
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           routes(cfg, handler, relay, mb, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	coord.RegisterFunc("http", shutdown.PhaseListener, srv.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server_started", logging.Fields{"addr": cfg.Server.Addr, "path": cfg.Server.Path})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown_requested")
	case err = <-serveErr:
	}
	if serr := coord.ShutdownWithTimeout(0); serr != nil && err == nil {
		err = serr
	}
	return err
}

func openBus(cfg config.BusConfig) (bus.MessageBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	natsCfg := bus.DefaultNATSConfig()
	natsCfg.URL = cfg.URL
	nb, err := bus.NewNATSBus(natsCfg)
	if err != nil {
		return nil, err
	}
	return nb, nil
}

// openSinks builds the diagnostic fan-out: the log always, a JSON lines file
// and the bus when configured.
func openSinks(cfg *config.Config, mb bus.MessageBus, log *logging.Logger) (diag.Sink, func() error, error) {
	sinks := []diag.Sink{diag.NewLogSink(log)}
	closeFn := func() error { return nil }

	if cfg.Diag.File != "" {
		fs, err := diag.NewFileSink(cfg.Diag.File)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fs)
		closeFn = fs.Close
	}
	if cfg.Bus.URL != "" && cfg.Bus.DiagSubject != "" {
		sinks = append(sinks, diag.NewBusSink(mb, cfg.Bus.DiagSubject))
	}
	return diag.Multi(sinks...), closeFn, nil
}

func openLoader(cfg config.LoaderConfig, sink diag.Sink, log *logging.Logger) (*loader.Loader, error) {
	src, err := cfg.Source()
	if err != nil || src == nil {
		return nil, err
	}
	return loader.New(src, loader.Config{
		Concurrency:  cfg.Concurrency,
		CacheSize:    cfg.CacheSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Sink:         sink,
		Logger:       log,
	})
}

func routes(cfg *config.Config, h *serve.Handler, relay *intake.Relay, mb bus.MessageBus, limiter ratelimit.Limiter) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, h)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":       true,
			"sessions": h.Sessions(),
			"targets":  relay.Targets(),
		})
	})

	// POST /shards publishes one envelope on the shard bus, for feeds
	// without a NATS client.
	mux.HandleFunc("/shards", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !limiter.Allow("http:" + host) {
			http.Error(w, "publish rate exceeded", http.StatusTooManyRequests)
			return
		}
		var env intake.Envelope
		if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&env); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}

		if env.Script != "" {
			err = intake.PublishScript(mb, cfg.Bus.Subject, env.TraitID, []byte(env.Script))
		} else {
			err = intake.Publish(mb, cfg.Bus.Subject, env.LibraryID, env.Descriptors)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}
