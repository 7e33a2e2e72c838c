// Command medtrace-server serves the device registry over HTTP.
package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medtrace/internal/archive"
	"medtrace/internal/blob"
	"medtrace/internal/config"
	"medtrace/internal/core"
	httptransport "medtrace/internal/transport/http"
	"medtrace/pkg/domain"
)

const shutdownTimeout = 10 * time.Second

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, config.FromEnv(), os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "medtrace-server: %v\n", err)
		exitFunc(1)
	}
}

// run serves until ctx is cancelled. ready, when set, receives the bound
// listener address once the server accepts connections.
func run(ctx context.Context, cfg config.Config, logOut io.Writer, ready func(addr string)) error {
	logger, err := config.NewLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	if cfg.JWTSigningKey == config.DevJWTSigningKey {
		logger.Warn("using the development JWT signing key; set MEDTRACE_JWT_SIGNING_KEY")
	}

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer func() {
		if err := core.CloseStore(store); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := core.NewPrometheusMetricsRecorder(reg)
	stats := core.NewExpvarMetricsRecorder("")

	svc := core.NewService(store,
		core.WithLogger(logger),
		core.WithAuditRecorder(core.LogAuditRecorder{Logger: logger}),
		core.WithMetricsRecorder(core.MultiMetricsRecorder{prom, stats}),
	)
	if cfg.Deployer != "" {
		if err := svc.Initialize(ctx, domain.Identity(cfg.Deployer)); err != nil {
			return fmt.Errorf("initialize registry: %w", err)
		}
	}
	prom.ObserveLedger(svc.Snapshot())

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	arch := archive.New(blobs, svc, archive.WithLogger(logger))

	router := httptransport.NewRouter(httptransport.Options{
		Registry: svc,
		Archiver: arch,
		Auth:     httptransport.NewAuthenticator(cfg.JWTSigningKey),
		Logger:   logger,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		AfterWrite: func(context.Context) {
			prom.ObserveLedger(svc.Snapshot())
		},
	})
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/", router)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("medtrace-server listening",
		"addr", ln.Addr().String(),
		"storage", cfg.Storage.Driver,
		"blob", string(blobs.Driver()),
		"owner", string(svc.Owner(ctx)),
	)
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
