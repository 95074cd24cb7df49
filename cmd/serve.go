package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yeremiapane/restaurant-reservations/config"
	"github.com/yeremiapane/restaurant-reservations/database"
	"github.com/yeremiapane/restaurant-reservations/hub"
	"github.com/yeremiapane/restaurant-reservations/router"
	"github.com/yeremiapane/restaurant-reservations/services"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

func newServeCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the websocket hub and the change monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			utils.SetJWTSecret(cfg.JWTSecret, cfg.TokenTTL)
			if cfg.GinMode == gin.ReleaseMode {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			db, err := database.Open(cfg.DBDriver, cfg.DSN)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if migrateUp {
				if err := database.Migrate(db, utils.InfoLogger); err != nil {
					return err
				}
			}

			rs, err := loadRules(cfg.RulesFile)
			if err != nil {
				return err
			}
			svc := services.NewReservationService(db, rs)
			h := hub.New(svc, utils.InfoLogger)

			// Outbox rows go straight to local clients, or through redis so
			// every replica's clients see them.
			var pub services.Publisher = h
			if cfg.RedisURL != "" {
				bus, err := services.NewRedisBus(cfg.RedisURL, cfg.RedisChannel, utils.InfoLogger)
				if err != nil {
					return err
				}
				defer bus.Close()
				if err := bus.Ping(ctx); err != nil {
					return err
				}
				pub = bus
				go func() {
					if err := bus.Forward(ctx, h); err != nil && ctx.Err() == nil {
						utils.ErrorLogger.WithError(err).Error("redis forwarding stopped")
					}
				}()
			}

			monitor := services.NewChangeMonitor(db, pub, utils.InfoLogger)
			monitor.Interval = cfg.MonitorInterval
			monitor.Start()
			defer monitor.Stop()

			r := router.SetupRouter(router.Deps{
				DB:             db,
				Service:        svc,
				Hub:            h,
				AllowedOrigins: cfg.AllowedOrigins,
				RateLimit:      cfg.RateLimit,
			})
			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				utils.InfoLogger.Printf("Listening on port %s", cfg.Port)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			utils.InfoLogger.Info("Shutting down")
			h.Alert("warning", "server is restarting, reconnecting shortly")

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}
