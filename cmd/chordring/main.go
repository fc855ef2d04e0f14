package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/manager"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

// maxVerifiedKeys bounds how many keys each node looks up during verification.
const maxVerifiedKeys = 4096

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Simulation failed")
		logger.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Simulation complete")
}

// parseFlags layers the YAML file named by -config over the defaults, then
// applies every flag that was set explicitly.
func parseFlags(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("chordring", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	nodes := fs.String("nodes", "", "Comma separated bootstrap node ids")
	joins := fs.String("join", "", "Comma separated ids joined one at a time after bootstrap")
	bits := fs.Int("bits", 0, "Identifier space size in bits (0 derives it from the ids)")
	rounds := fs.Int("rounds", 0, "Upper bound of stabilization rounds after each join")
	httpAddr := fs.String("http", "", "Serve /ws and /metrics on this address until interrupted")
	logLevel := fs.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, console)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var errs error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nodes":
			ids, err := parseIDs(*nodes)
			errs = multierr.Append(errs, err)
			cfg.Nodes = ids
		case "join":
			ids, err := parseIDs(*joins)
			errs = multierr.Append(errs, err)
			cfg.Joins = ids
		case "bits":
			cfg.RingBits = *bits
		case "rounds":
			cfg.ConvergeRounds = *rounds
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if errs != nil {
		return nil, errs
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("at least one bootstrap node is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseIDs(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// run bootstraps the ring, joins the extra nodes, and verifies every lookup
// against the expected owner. With an HTTP address it then keeps the ring
// stabilizing and serving until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *pkg.Logger) (err error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := ringOptions(cfg, logger, m)

	var server *api.Server
	if cfg.HTTPAddr != "" {
		hub, err := api.NewWebSocketHub(logger)
		if err != nil {
			return err
		}
		server, err = api.NewServer(hub, reg, logger)
		if err != nil {
			return err
		}
		if err := server.Start(cfg.HTTPAddr); err != nil {
			return err
		}
		opts.Broadcaster = hub
	}

	// the ring outlives ctx so a signal still gets an orderly Shutdown
	r, err := manager.New(context.Background(), opts)
	if err != nil {
		return multierr.Append(err, stopServer(server))
	}
	defer func() {
		err = multierr.Combine(err, r.Shutdown(), stopServer(server))
	}()

	logger.Info().
		Int("ring_bits", opts.RingBits).
		Int("nodes", len(cfg.Nodes)).
		Int("joins", len(cfg.Joins)).
		Msg("Starting chord ring simulation")

	if err := r.Bootstrap(ctx, cfg.Nodes); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	for _, id := range cfg.Joins {
		if err := r.Join(ctx, id); err != nil {
			return fmt.Errorf("join %d: %w", id, err)
		}
		n, err := r.Converge(ctx, cfg.ConvergeRounds)
		if err != nil {
			return fmt.Errorf("converge after join %d: %w", id, err)
		}
		logger.Info().Uint64("node_id", id).Int("rounds", n).Msg("Node joined and ring converged")
	}

	lookups, err := verify(ctx, r)
	if err != nil {
		return err
	}
	logger.Info().
		Int("nodes", len(r.Peers())).
		Int("lookups", lookups).
		Msg("Every lookup reached its owner")

	if server == nil {
		return nil
	}
	return serve(ctx, r, server, cfg.StabilizeInterval, logger)
}

// ringOptions sizes the ring from every id that will take part and fixes
// the hop budget for that size.
func ringOptions(cfg *config.Config, logger *pkg.Logger, m *metrics.Metrics) manager.Options {
	bits := cfg.Bits()
	return manager.Options{
		Logger:        logger,
		Metrics:       m,
		RingBits:      bits,
		HopBudget:     cfg.HopBudget(bits),
		LookupTimeout: cfg.LookupTimeout,
	}
}

// serve runs the stabilizer until ctx is cancelled or the ring stops.
func serve(ctx context.Context, r *manager.Ring, server *api.Server, interval time.Duration, logger *pkg.Logger) error {
	stabilizer, err := manager.NewStabilizer(r, nil, interval, logger)
	if err != nil {
		return err
	}
	if err := stabilizer.Start(ctx); err != nil {
		return err
	}

	logger.Info().Str("addr", server.Addr()).Msg("Serving ring events, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	case <-stabilizer.Done():
	case <-r.Done():
	}

	return multierr.Append(stabilizer.Stop(), r.Err())
}

func stopServer(server *api.Server) error {
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// verify checks that the keys are partitioned among the live nodes by ring
// order and that a lookup from every node reaches the owner of every key.
// It returns the number of lookups issued.
func verify(ctx context.Context, r *manager.Ring) (int, error) {
	states, err := r.Snapshots(ctx)
	if err != nil {
		return 0, err
	}

	size := uint64(1) << uint(r.Bits())
	holders := make(map[chord.ID]chord.ID, size)
	var errs error
	for _, st := range states {
		for _, key := range st.Keys {
			if other, dup := holders[key]; dup {
				errs = multierr.Append(errs, fmt.Errorf("key %d held by nodes %d and %d", key, other, st.ID))
				continue
			}
			holders[key] = st.ID
			if owner, err := r.Owner(key); err != nil || owner.ID != st.ID {
				errs = multierr.Append(errs, fmt.Errorf("key %d held by node %d, expected node %d", key, st.ID, owner.ID))
			}
		}
	}
	if uint64(len(holders)) != size {
		errs = multierr.Append(errs, fmt.Errorf("%d of %d keys held", len(holders), size))
	}

	step := uint64(1)
	if size > maxVerifiedKeys {
		step = size / maxVerifiedKeys
	}

	var lookups int
	for _, p := range r.Peers() {
		for key := uint64(0); key < size; key += step {
			want, err := r.Owner(key)
			if err != nil {
				return lookups, err
			}
			got, err := r.Lookup(ctx, p.ID, key)
			lookups++
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if got.ID != want.ID {
				errs = multierr.Append(errs, fmt.Errorf("lookup %d from %d reached %d, expected %d", key, p.ID, got.ID, want.ID))
			}
		}
	}
	return lookups, errs
}
