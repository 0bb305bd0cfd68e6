// pioreactorui serves the web API of a Pioreactor cluster. Every node runs
// the unit API; the leader additionally runs the cluster-wide leader API,
// the MQTT log publisher, and the relational store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/api"
	"github.com/pioreactor/pioreactorui/bus"
	"github.com/pioreactor/pioreactorui/cache"
	"github.com/pioreactor/pioreactorui/cluster"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/ops"
	"github.com/pioreactor/pioreactorui/store"
	"github.com/pioreactor/pioreactorui/tasks"
	"github.com/pioreactor/pioreactorui/unitapi"
)

// Version is stamped by the release build.
var Version = "development"

// Config is the top-level configuration object of the process.
var Config = new(config.Config)

type cmdServeLeader struct{}
type cmdServeUnit struct{}

func (cmdServeLeader) Execute(_ []string) error { return serve(true) }
func (cmdServeUnit) Execute(_ []string) error   { return serve(false) }

func serve(leader bool) error {
	log.SetFormatter(&log.JSONFormatter{})

	log.WithFields(log.Fields{
		"unit":    Config.UnitName,
		"leader":  Config.LeaderHostname,
		"version": Version,
	}).Info("pioreactorui configuration")

	if err := os.MkdirAll(Config.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	var engine, err = tasks.Open(Config.TaskDBPath())
	if err != nil {
		return fmt.Errorf("opening task queue: %w", err)
	}
	defer engine.Close()

	local, err := store.OpenLocal(Config.LocalMetadataDBPath())
	if err != nil {
		return fmt.Errorf("opening local metadata: %w", err)
	}
	defer local.Close()

	var memo = cache.New()
	var resolver = &cluster.AddressResolver{Port: Config.WorkerPort}
	var workers = cluster.NewClient(resolver)

	var runner = &tasks.Runner{Config: Config, Cache: memo, Cluster: workers}
	runner.RegisterAll(engine)

	var router = mux.NewRouter()
	var unit = &unitapi.Server{
		Config:  Config,
		Engine:  engine,
		Cache:   memo,
		Local:   local,
		Version: Version,
	}
	unit.Register(router)

	var closers []func()
	if leader {
		var st *store.Store
		if st, err = store.Open(Config.DBPath()); err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		closers = append(closers, func() { st.Close() })

		var broker *bus.Client
		if broker, err = bus.Dial(Config.BrokerAddress, "pioreactorui-"+Config.UnitName); err != nil {
			return fmt.Errorf("dialing broker: %w", err)
		}
		closers = append(closers, broker.Close)

		var logger = ops.NewUILogger(Config.UnitName, Config.UILogFile, broker)
		closers = append(closers, logger.Close)

		var leader = &api.Server{
			Config:  Config,
			Store:   st,
			Cache:   memo,
			Bus:     broker,
			Cluster: workers,
			Engine:  engine,
			Logger:  logger,
		}
		leader.Register(router)

		// The exports directory and static assets are served by the frontend
		// webserver in production, and directly here otherwise.
		router.PathPrefix("/static/").Handler(
			http.StripPrefix("/static/", http.FileServer(http.Dir(Config.WWW+"/static"))))
	}
	router.Handle("/metrics", promhttp.Handler())

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	go engine.Start(ctx)

	var server = &http.Server{
		Addr:    Config.Listen,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, router),
	}
	var serveErr = make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	log.WithField("listen", Config.Listen).Info("serving HTTP")

	select {
	case err = <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}
	log.Info("caught signal, draining")

	var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Warn("shutdown did not drain cleanly")
	}
	for _, close := range closers {
		close()
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	var serveCmd, _ = parser.AddCommand("serve", "Serve the pioreactorui APIs", `
Serve HTTP until signaled to exit (via SIGTERM).
`, &struct{}{})
	_, _ = serveCmd.AddCommand("leader", "Serve the leader and unit APIs", `
Serve both the cluster-wide /api surface and the per-node /unit_api surface.
Run exactly one of these per cluster, on the leader.
`, &cmdServeLeader{})
	_, _ = serveCmd.AddCommand("unit", "Serve the unit API", `
Serve the per-node /unit_api surface only.
`, &cmdServeUnit{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
