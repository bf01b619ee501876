package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jensholdgaard/draft-auction/internal/auction"
	"github.com/jensholdgaard/draft-auction/internal/clock"
	"github.com/jensholdgaard/draft-auction/internal/config"
	"github.com/jensholdgaard/draft-auction/internal/health"
	"github.com/jensholdgaard/draft-auction/internal/leader"
	"github.com/jensholdgaard/draft-auction/internal/notify"
	"github.com/jensholdgaard/draft-auction/internal/server"
	"github.com/jensholdgaard/draft-auction/internal/store"
	"github.com/jensholdgaard/draft-auction/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/draft-auction/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver.
	repos, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Optional Discord invite delivery.
	var notifier *notify.Notifier
	if cfg.Discord.Enabled {
		notifier, err = notify.New(cfg.Discord, logger)
		if err != nil {
			return fmt.Errorf("creating notifier: %w", err)
		}
	}

	// Completed auctions are persisted so results survive restarts.
	mgr := auction.NewManager(logger, clk, auction.Settings{
		TimerDuration:   cfg.Auction.TimerDuration,
		WaitingTTL:      cfg.Auction.WaitingTTL,
		TerminateGrace:  cfg.Auction.TerminateGrace,
		MaxTeamSize:     cfg.Auction.MaxTeamSize,
		MinBidIncrement: cfg.Auction.MinBidIncrement,
	}, auction.Hooks{
		OnCompleted: func(auctionID string, presetID int64, teams []auction.Team) {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer saveCancel()

			res := &store.Result{
				AuctionID:   auctionID,
				PresetID:    presetID,
				CompletedAt: clk.Now().UTC(),
			}
			for _, t := range teams {
				res.Teams = append(res.Teams, store.TeamResult{
					TeamID:     t.TeamID,
					LeaderID:   t.LeaderID,
					MemberIDs:  pq.Int64Array(t.MemberIDs),
					PointsLeft: t.Points,
				})
			}
			if saveErr := repos.Results.Save(saveCtx, res); saveErr != nil {
				logger.Error("persisting auction result failed",
					slog.String("auction_id", auctionID),
					slog.Any("error", saveErr),
				)
				return
			}
			logger.Info("auction result persisted", slog.String("auction_id", auctionID))
		},
	})

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	var invites server.InviteSender
	if notifier != nil {
		invites = notifier
	}
	srv := server.New(logger, cfg.Server, mgr, repos, invites)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Router())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// serve is the core work that only the leader should run. Auction state
	// lives in process memory, so standby replicas stay not-ready and keep
	// their notifier closed until they win the lease.
	serve := func(ctx context.Context) {
		if notifier != nil {
			if startErr := notifier.Start(ctx); startErr != nil {
				logger.ErrorContext(ctx, "starting notifier failed", slog.Any("error", startErr))
				return
			}
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

		// Block until leadership is lost or process is shutting down.
		<-ctx.Done()

		healthHandler.SetReady(false)
		if notifier != nil {
			if stopErr := notifier.Stop(); stopErr != nil {
				logger.Error("notifier shutdown error", slog.Any("error", stopErr))
			}
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, serve, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		serve(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
