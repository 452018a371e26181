// README: Entry point; cobra CLI with serve (API + sweep) and sweep (one-shot) commands.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hatid/internal/config"
	httptransport "hatid/internal/http"
	"hatid/internal/infra"
	"hatid/internal/modules/dispatch"
	"hatid/internal/modules/location"
	"hatid/internal/modules/runner"
	"hatid/internal/modules/task"
	"hatid/internal/notify"
)

func main() {
	var debug bool

	root := &cobra.Command{
		Use:   "hatid",
		Short: "Errand and commission dispatch backend",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(serveCmd())
	root.AddCommand(sweepCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background dispatch sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = log.Logger.WithContext(ctx)

			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
			if err != nil {
				return err
			}

			handler := httptransport.NewRouter(httptransport.RouterDeps{
				Task:      deps.taskSvc,
				Location:  deps.locationSvc,
				Coord:     deps.coord,
				Verifier:  verifier,
				FeedBatch: cfg.Dispatch.SweepBatch,
			})
			server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

			go dispatch.NewSweeper(deps.coord, cfg.Dispatch).Run(ctx)

			go func() {
				<-ctx.Done()
				_ = server.Shutdown(context.Background())
			}()

			log.Info().Str("addr", cfg.HTTP.Addr).Msg("hatid api listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var batch int

	command := &cobra.Command{
		Use:   "sweep",
		Short: "Run one dispatch sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if batch > 0 {
				cfg.Dispatch.SweepBatch = batch
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = log.Logger.WithContext(ctx)

			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			result, err := deps.coord.EvaluateBatch(ctx, cfg.Dispatch.SweepBatch)
			if err != nil {
				return err
			}
			log.Info().
				Int("evaluated", result.Evaluated).
				Int("notified", result.Notified).
				Int("reassigned", result.Reassigned).
				Int("cleared", result.Cleared).
				Int("skipped", result.Skipped).
				Int("errored", result.Errored).
				Msg("sweep finished")
			return nil
		},
	}
	command.Flags().IntVar(&batch, "batch", 0, "override the sweep batch size")
	return command
}

// appDeps is the wired object graph shared by serve and sweep.
type appDeps struct {
	taskSvc     *task.Service
	locationSvc *location.Service
	coord       *dispatch.Coordinator
	close       func()
}

func buildDeps(ctx context.Context, cfg config.Config) (*appDeps, error) {
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	redisClient := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	taskStore := task.NewStore(dbPool)
	runnerStore := runner.NewStore(dbPool)
	locationStore := location.NewStore(dbPool, redisClient)

	taskSvc := task.NewService(taskStore, runnerStore)
	locationSvc := location.NewService(locationStore)

	provider := location.ChainProvider{location.NewPresenceProvider(locationStore)}
	if cfg.Maps.APIKey != "" {
		mapsProvider, err := location.NewMapsProvider(cfg.Maps.APIKey)
		if err != nil {
			return nil, err
		}
		provider = append(provider, mapsProvider)
	}
	locator := location.NewGeolocator(provider, locationStore, cfg.Geo)

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Firebase.ProjectID != "" {
		msgClient, err := infra.NewMessagingClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Warn().Err(err).Msg("fcm unavailable; falling back to log notifier")
		} else {
			notifier = notify.NewFCMNotifier(msgClient, runnerStore)
		}
	}

	pool := dispatch.NewPool(runnerStore, locationStore, runnerStore, locator, cfg.Dispatch)
	coord := dispatch.NewCoordinator(taskStore, pool, notifier, cfg.Dispatch)

	return &appDeps{
		taskSvc:     taskSvc,
		locationSvc: locationSvc,
		coord:       coord,
		close: func() {
			dbPool.Close()
			_ = redisClient.Close()
		},
	}, nil
}
