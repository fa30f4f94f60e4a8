package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"flock/internal/web"
	"flock/pkg/config"
	"flock/pkg/dispatch"
	"flock/pkg/heartbeat"
	"flock/pkg/metrics"
	"flock/pkg/peer"
	"flock/pkg/probe"
	"flock/pkg/reaper"
	"flock/pkg/registry"
	"flock/pkg/transport"
)

type AgentCmd struct {
	Kind              string        `arg:"--kind,env:KIND" default:"I" help:"Single-character kind tag announced for this node."`
	ListenPort        uint16        `arg:"--listen-port,env:LISTEN_PORT" default:"40103" help:"Local UDP port to bind."`
	RendezvousAddr    string        `arg:"--rendezvous-addr,env:RENDEZVOUS_ADDR,required" help:"host:port of the rendezvous server to check in with."`
	SilenceThreshold  time.Duration `arg:"--silence-threshold,env:SILENCE_THRESHOLD" default:"3s" help:"Maximum peer silence before eviction."`
	PersistentKinds   string        `arg:"--persistent-kinds,env:PERSISTENT_KINDS" default:"V" help:"Kinds never evicted for silence."`
	HeartbeatInterval time.Duration `arg:"--heartbeat-interval,env:HEARTBEAT_INTERVAL" default:"1s" help:"Cadence of rendezvous check-ins."`
	ProbeInterval     time.Duration `arg:"--probe-interval,env:PROBE_INTERVAL" default:"1s" help:"Cadence of reachability probe sweeps."`
	MetricsAddr       string        `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"address to serve metrics."`
	DebugWebEnabled   bool          `arg:"--debug-web-enabled,env:DEBUG_WEB_ENABLED" default:"false" help:"When true enables debug web page."`
	Config            string        `arg:"--config,env:CONFIG" help:"Optional TOML tuning file applied over flag defaults."`
}

type Arguments struct {
	Agent    *AgentCmd  `arg:"subcommand:agent"`
	LogLevel slog.Level `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
	log.Info("gracefully shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()
	switch {
	case args.Agent != nil:
		return agentCommand(ctx, args.Agent)
	default:
		return errors.New("unknown subcommand")
	}
}

func agentCommand(ctx context.Context, args *AgentCmd) (err error) {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	err = applyConfigFile(args)
	if err != nil {
		return err
	}
	if len(args.Kind) != 1 {
		return fmt.Errorf("kind must be a single character, got %q", args.Kind)
	}
	kind := args.Kind[0]

	// Transport
	tr, err := transport.NewUDPTransport(args.ListenPort)
	if err != nil {
		return err
	}
	localIP, err := transport.LocalIPv4()
	if err != nil {
		return err
	}
	localAddr := netip.AddrPortFrom(localIP, args.ListenPort)

	// Registry
	reg, err := registry.NewRegistry(
		registry.WithLogger(log.WithName("registry")),
		registry.WithAddressResolvedCallback(string(peer.KindAudioMixer), func(rec *peer.Record) {
			// The audio subsystem attaches here in a full deployment;
			// the daemon only logs the resolved endpoint.
			log.Info("audio mixer reachable", "addr", rec.Active())
		}),
	)
	if err != nil {
		return err
	}

	// Prober
	prober, err := probe.NewProber(reg, tr,
		probe.WithLogger(log.WithName("probe")),
		probe.WithInterval(args.ProbeInterval),
	)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return prober.Run(ctx)
	})

	// Dispatcher and receive loop
	dispatcher, err := dispatch.NewDispatcher(reg, tr, prober, dispatch.WithLogger(log.WithName("dispatch")))
	if err != nil {
		return err
	}
	g.Go(func() error {
		buf := make([]byte, 1500)
		for {
			n, sender, rerr := tr.Receive(buf)
			if rerr != nil {
				if ctx.Err() != nil || errors.Is(rerr, net.ErrClosed) {
					return nil
				}
				return rerr
			}
			dispatcher.Dispatch(sender, buf[:n])
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return tr.Close()
	})

	// Reaper
	rpr, err := reaper.NewReaper(reg,
		reaper.WithLogger(log.WithName("reaper")),
		reaper.WithThreshold(args.SilenceThreshold),
		reaper.WithPersistentKinds(args.PersistentKinds),
	)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return rpr.Run(ctx)
	})

	// Heartbeat
	emitter, err := heartbeat.NewEmitter(tr, kind, localAddr, args.RendezvousAddr,
		heartbeat.WithLogger(log.WithName("heartbeat")),
		heartbeat.WithInterval(args.HeartbeatInterval),
	)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return emitter.Run(ctx)
	})

	// Metrics
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	if args.DebugWebEnabled {
		web, err := web.NewWeb(reg)
		if err != nil {
			return err
		}
		mux.Handle("/debug/web/", web.Handler(log))
	}

	metricsSrv := &http.Server{
		Addr:    args.MetricsAddr,
		Handler: mux,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("running flock agent", "kind", args.Kind, "listen", localAddr, "rendezvous", args.RendezvousAddr)
	err = g.Wait()
	if err != nil {
		return err
	}
	return nil
}

func applyConfigFile(args *AgentCmd) error {
	if args.Config == "" {
		return nil
	}
	f, err := config.Load(args.Config)
	if err != nil {
		return err
	}
	if f.Kind != nil {
		args.Kind = *f.Kind
	}
	if f.ListenPort != nil {
		args.ListenPort = *f.ListenPort
	}
	if f.RendezvousAddr != nil {
		args.RendezvousAddr = *f.RendezvousAddr
	}
	if f.PersistentKinds != nil {
		args.PersistentKinds = *f.PersistentKinds
	}
	args.SilenceThreshold = config.Duration(f.SilenceThreshold, args.SilenceThreshold)
	args.HeartbeatInterval = config.Duration(f.HeartbeatInterval, args.HeartbeatInterval)
	args.ProbeInterval = config.Duration(f.ProbeInterval, args.ProbeInterval)
	return nil
}
