// Package daemon implements the offload daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/psaab/flowoffload/pkg/api"
	"github.com/psaab/flowoffload/pkg/config"
	"github.com/psaab/flowoffload/pkg/engine"
	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/flowexport"
	"github.com/psaab/flowoffload/pkg/grpcapi"
	"github.com/psaab/flowoffload/pkg/hwtable"
	"github.com/psaab/flowoffload/pkg/ingress"
	"github.com/psaab/flowoffload/pkg/logging"
	"github.com/psaab/flowoffload/pkg/policy"
	"github.com/psaab/flowoffload/pkg/ports"

	// Flow table backends register themselves.
	_ "github.com/psaab/flowoffload/pkg/hwtable/bpfmap"
	_ "github.com/psaab/flowoffload/pkg/hwtable/sim"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string // "" runs with the built-in defaults
	APIAddr    string // overrides system { api-address } when set
	GRPCAddr   string // overrides system { grpc-address } when set
	Debug      bool   // keeps debug logging regardless of log-level

	// ExitWhenDrained stops the daemon once every ingress source is
	// exhausted, e.g. after replaying a pcap without loop.
	ExitWhenDrained bool
}

// Daemon is the main offload daemon.
type Daemon struct {
	opts     Options
	cfg      *config.Config
	drv      hwtable.Driver
	eng      *engine.Engine
	fwd      ingress.Forwarder
	topo     *ports.Topology
	rules    *policy.Rules
	eventBuf *logging.EventBuffer
	reporter *logging.StatsReporter
	exporter *flowexport.Exporter // nil without collectors
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	return &Daemon{opts: opts}
}

// Engine returns the running engine, nil before Run has built it.
func (d *Daemon) Engine() *engine.Engine { return d.eng }

func (d *Daemon) loadConfig() error {
	if d.opts.ConfigFile == "" {
		d.cfg = config.Default()
		slog.Info("no configuration file, using defaults")
	} else {
		cfg, err := config.Load(d.opts.ConfigFile)
		if err != nil {
			return err
		}
		d.cfg = cfg
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	for _, w := range d.cfg.Warnings {
		slog.Warn("config warning", "msg", w)
	}
	if d.opts.APIAddr != "" {
		d.cfg.System.APIAddress = d.opts.APIAddr
	}
	if d.opts.GRPCAddr != "" {
		d.cfg.System.GRPCAddress = d.opts.GRPCAddr
	}
	if !d.opts.Debug {
		return logging.SetLevel(d.cfg.System.LogLevel)
	}
	return nil
}

// build creates the driver, sources, topology, policy and engine from
// the loaded configuration. On error everything opened so far is closed.
func (d *Daemon) build() (err error) {
	cfg := d.cfg

	d.topo = ports.FromConfig(cfg.Ports)
	if len(cfg.Ports) > 0 {
		up := d.topo.ResolveLinks(nil)
		slog.Info("ports resolved", "configured", len(cfg.Ports), "up", up)
	}

	d.rules, err = policy.FromConfig(cfg.Policy)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	sources, err := openSources(cfg.Ingress.Sources, d.topo)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			closeSources(sources)
		}
	}()

	d.fwd, err = openForwarder(cfg.Ingress.Capture, d.topo)
	if err != nil {
		return err
	}

	d.drv, err = hwtable.New(cfg.Offload.Driver, hwtable.Options{
		Queues:      cfg.Offload.Shards,
		TableSize:   cfg.Offload.TableSize,
		FlowTimeout: cfg.Offload.FlowTimeout,
		PinPath:     cfg.Offload.PinPath,
	})
	if err != nil {
		closeForwarder(d.fwd)
		return fmt.Errorf("flow table: %w", err)
	}

	d.eng, err = engine.New(engine.ConfigFrom(cfg), d.drv, sources, d.fwd, d.topo, d.rules)
	if err != nil {
		d.drv.Close()
		closeForwarder(d.fwd)
		return err
	}

	d.eventBuf = logging.NewEventBuffer(cfg.System.EventBuffer)
	d.reporter = logging.NewStatsReporter(d.eng, cfg.System.StatsInterval, 0)
	sink := logging.MultiSink{d.eventBuf, d.reporter}
	if ec := flowexport.BuildExportConfig(cfg.FlowExport); ec != nil {
		d.exporter, err = flowexport.NewExporter(*ec)
		if err != nil {
			d.drv.Close()
			closeForwarder(d.fwd)
			return fmt.Errorf("flow export: %w", err)
		}
		sink = append(sink, d.exporter)
	}
	d.eng.SetEventSink(sink)
	return nil
}

// openSources opens one source per configured source; an af-packet
// source with several queues opens one socket per queue in the same
// fanout group.
func openSources(cfgs []*config.SourceConfig, topo *ports.Topology) ([]ingress.Source, error) {
	var sources []ingress.Source
	for _, sc := range cfgs {
		switch sc.Type {
		case config.SourcePcap:
			src, err := ingress.OpenPcap(sc.File, flow.PortID(sc.Port), sc.Loop)
			if err != nil {
				closeSources(sources)
				return nil, fmt.Errorf("source at line %d: %w", sc.Line, err)
			}
			sources = append(sources, src)
		case config.SourceAFPacket:
			port, ok := topo.PortFor(sc.Interface)
			if !ok {
				slog.Warn("af-packet interface is not a configured port, using port 0",
					"interface", sc.Interface)
			}
			for q := 0; q < sc.Queues; q++ {
				src, err := ingress.OpenAFPacket(sc.Interface, port, sc.FanoutID)
				if err != nil {
					closeSources(sources)
					return nil, fmt.Errorf("source at line %d: %w", sc.Line, err)
				}
				sources = append(sources, src)
			}
		default:
			closeSources(sources)
			return nil, fmt.Errorf("source at line %d: unknown type %q", sc.Line, sc.Type)
		}
	}
	return sources, nil
}

func closeSources(sources []ingress.Source) {
	for _, s := range sources {
		s.Close()
	}
}

// openForwarder returns the slow path. A configured capture file takes
// every slow-path packet. Otherwise ports bound to interfaces get an
// AF_PACKET transmit socket; without any, slow-path packets are dropped.
func openForwarder(capture string, topo *ports.Topology) (ingress.Forwarder, error) {
	if capture != "" {
		w, err := ingress.CreatePcap(capture)
		if err != nil {
			return nil, fmt.Errorf("slow path: %w", err)
		}
		slog.Info("slow path writes to capture file", "file", capture)
		return w, nil
	}
	ifaces := make(map[flow.PortID]string)
	for _, p := range topo.Ports() {
		if p.Interface != "" {
			ifaces[p.ID] = p.Interface
		}
	}
	if len(ifaces) == 0 {
		slog.Info("no port interfaces configured, slow path discards")
		return ingress.Discard, nil
	}
	tx, err := ingress.OpenAFPacketTx(ifaces)
	if err != nil {
		return nil, fmt.Errorf("slow path: %w", err)
	}
	return tx, nil
}

func closeForwarder(fwd ingress.Forwarder) {
	if c, ok := fwd.(io.Closer); ok {
		c.Close()
	}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting flow offload daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	if err := d.loadConfig(); err != nil {
		return err
	}
	if err := d.build(); err != nil {
		return err
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.eng.StartOffload(ctx); err != nil {
		d.shutdown()
		d.closeExporter()
		d.drv.Close()
		return fmt.Errorf("start offload workers: %w", err)
	}
	if err := d.eng.StartClassifiers(ctx); err != nil {
		d.shutdown()
		d.closeExporter()
		d.drv.Close()
		return fmt.Errorf("start classifiers: %w", err)
	}
	slog.Info("engine started",
		"driver", d.cfg.Offload.Driver,
		"shards", d.eng.Shards(),
		"sources", len(d.cfg.Ingress.Sources))

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reporter.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchReload(ctx)
	}()

	if d.exporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.exporter.Run(ctx)
		}()
	}

	if addr := d.cfg.System.APIAddress; addr != "" {
		var auth *api.AuthConfig
		if len(d.cfg.System.APIKeys) > 0 {
			auth = &api.AuthConfig{APIKeys: d.cfg.System.APIKeys}
		}
		srv := api.NewServer(api.Config{
			Addr:     addr,
			Auth:     auth,
			Driver:   d.cfg.Offload.Driver,
			Engine:   d.eng,
			EventBuf: d.eventBuf,
			Policy:   d.rules,
			Ports:    d.topo,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("HTTP API server failed", "err", err)
			}
		}()
	}

	if addr := d.cfg.System.GRPCAddress; addr != "" {
		srv := grpcapi.NewServer(addr, grpcapi.Config{Engine: d.eng, EventBuf: d.eventBuf})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("gRPC server failed", "err", err)
			}
		}()
	}

	drained := d.eng.ClassifiersDone()
wait:
	for {
		select {
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
			break wait
		case <-drained:
			slog.Info("all ingress sources exhausted")
			if d.opts.ExitWhenDrained {
				break wait
			}
			drained = nil
		}
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	err := d.shutdown()
	wg.Wait()

	// Log final stats before closing the flow table.
	d.reporter.Report()
	d.closeExporter()
	if cerr := d.drv.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close flow table: %w", cerr))
	}
	slog.Info("shutdown complete")
	return err
}

func (d *Daemon) shutdown() error {
	err := d.eng.Stop()
	closeForwarder(d.fwd)
	return err
}

// closeExporter sends the records of entries retired while draining.
func (d *Daemon) closeExporter() {
	if d.exporter == nil {
		return
	}
	d.exporter.Flush()
	d.exporter.Close()
}

// watchReload re-reads the log level from the configuration file on
// SIGHUP. Engine sizing only changes on restart.
func (d *Daemon) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if d.opts.ConfigFile == "" || d.opts.Debug {
				continue
			}
			cfg, err := config.Load(d.opts.ConfigFile)
			if err != nil {
				slog.Warn("reload failed", "err", err)
				continue
			}
			if err := logging.SetLevel(cfg.System.LogLevel); err != nil {
				slog.Warn("reload failed", "err", err)
			}
		}
	}
}
