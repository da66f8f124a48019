package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"web_editor/internal/metrics"
	"web_editor/internal/model"
	"web_editor/internal/service/app"
	"web_editor/internal/service/blob"
	"web_editor/internal/service/editor"
	"web_editor/internal/service/liveness"
	"web_editor/internal/service/pairing"
	"web_editor/internal/service/relay"
	"web_editor/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// notifierFunc adapts a function to pairing.Notifier.
type notifierFunc func(owner model.Principal, message string)

func (f notifierFunc) Notify(owner model.Principal, message string) { f(owner, message) }

func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Run the interactive editor console",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsole(ctx)
		},
	}
}

func runConsole(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	keys, err := identityStore()
	if err != nil {
		return err
	}
	kp, err := keys.KeyPair(ctx)
	if err != nil {
		return err
	}
	log.Info("server identity loaded", log.Fingerprint(kp.Fingerprint()))

	scheduler := liveness.NewScheduler()
	defer scheduler.Stop()

	doc := editor.NewJSONDocument(cfg.Editor.Document)

	var console *app.App
	orch := editor.NewOrchestrator(editor.Config{
		EditorBaseURL: cfg.Editor.BaseURL,
		CommandAlias:  cfg.Editor.CommandAlias,
	}, editor.Deps{
		Identity: keys,
		Trust:    b.trust,
		Sessions: b.sessions,
		Blobs: blob.NewClient(blob.Config{
			BaseURL:       cfg.Blob.BaseURL,
			UserAgent:     cfg.Editor.UserAgent,
			Timeout:       cfg.Blob.Timeout,
			Verbose:       cfg.Editor.Verbose,
			MaxObjectSize: cfg.Blob.MaxObjectSize,
		}, log.Named("blob")),
		Relay: relay.NewClient(relay.Config{
			BaseURL:   cfg.Relay.BaseURL,
			WSBaseURL: cfg.Relay.WSBaseURL,
			UserAgent: cfg.Editor.UserAgent,
			Timeout:   cfg.Relay.Timeout,
		}, log.Named("relay")),
		Sockets:     pairing.NewRegistry(),
		Scheduler:   scheduler,
		Snapshotter: doc,
		Applier:     doc,
		Notifier: notifierFunc(func(o model.Principal, msg string) {
			console.Notify(o, msg)
		}),
		Policy: pairing.Policy{
			HandshakeTimeout: cfg.Liveness.HandshakeTimeout,
			CheckInterval:    cfg.Liveness.CheckInterval,
			IdleTimeout:      cfg.Liveness.IdleTimeout,
			MaxBadFrames:     cfg.Liveness.MaxBadFrames,
		},
		Logger: log.Named("editor"),
	})
	defer orch.Close()
	console = app.NewApp(orch, owner)

	// quitting the console ends the metrics server too
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr)
		})
	}
	g.Go(func() error {
		defer cancel()
		return console.Run(gctx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
