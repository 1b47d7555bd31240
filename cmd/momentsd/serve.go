package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-moments/internal/api"
	"github.com/celerix-dev/celerix-moments/internal/bot"
	"github.com/celerix-dev/celerix-moments/internal/config"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/guard"
	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/internal/scheduler"
	"github.com/celerix-dev/celerix-moments/internal/server"
	"github.com/celerix-dev/celerix-moments/internal/texts"
	"github.com/celerix-dev/celerix-moments/internal/vault"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// openPersistence builds the file persistence described by cfg.
func openPersistence(cfg config.Config, log *logger.Logger) (*engine.Persistence, error) {
	popts := []engine.Option{engine.WithLogger(log)}
	key, err := cfg.ContentKeyBytes()
	if err != nil {
		return nil, err
	}
	if key != nil {
		sealer, err := vault.NewSealer(key)
		if err != nil {
			return nil, err
		}
		popts = append(popts, engine.WithSealer(sealer))
	}
	return engine.NewPersistence(cfg.DataFile, popts...)
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With("instance", uuid.NewString())
	log.Info("Starting moments daemon", "data_file", cfg.DataFile, "bridge_port", cfg.BridgePort, "http_port", cfg.HTTPPort)

	p, err := openPersistence(cfg, log)
	if err != nil {
		return err
	}
	store, err := engine.Open(p, engine.WithStoreLogger(log), engine.WithSaveInterval(cfg.SaveInterval))
	if err != nil {
		return err
	}
	counts := store.Counts()
	log.Info("Store loaded", "users", counts.Users, "moments", counts.Moments, "jobs", counts.Jobs)

	router := server.NewRouter(nil, log)
	var svc *bot.Service
	sched := scheduler.New(store, router,
		scheduler.WithLogger(log),
		scheduler.WithTick(cfg.Tick),
		scheduler.WithPrompt(func(u schema.UserProfile) schema.Prompt { return svc.ScheduledPrompt(u) }),
	)
	svc = bot.New(store, sched, router,
		bot.WithLogger(log),
		bot.WithGuard(guard.New(cfg.Debounce, nil)),
		bot.WithDefaults(cfg.Defaults.Settings()),
		bot.WithDefaultLocale(texts.Match(cfg.Defaults.Locale)),
	)
	sched.OnPrompted(svc.Prompted)
	router.SetHandler(svc)

	if !cfg.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return err
		}
		router.SetCertificate(cert)
	} else {
		log.Warn("Bridge TLS disabled")
	}

	rep := sched.Recover()
	log.Info("Jobs recovered", "rescheduled", rep.Rescheduled, "released", rep.Released, "purged", rep.Purged, "created", rep.Created)

	if cfg.LogMode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewEngine(&api.Handler{Store: store}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Listen(cfg.BridgePort)
	})
	g.Go(func() error {
		log.Info("Admin API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return store.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		router.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	runErr := g.Wait()
	if err := store.Close(); err != nil {
		return errors.Join(runErr, err)
	}
	log.Info("Persistence complete")
	return runErr
}
