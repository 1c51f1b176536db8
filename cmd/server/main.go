package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/api"
	"github.com/npezzotti/skillswap-chat/internal/auth"
	"github.com/npezzotti/skillswap-chat/internal/config"
	"github.com/npezzotti/skillswap-chat/internal/database"
	"github.com/npezzotti/skillswap-chat/internal/server"
	"github.com/npezzotti/skillswap-chat/internal/stats"
	"github.com/npezzotti/skillswap-chat/internal/usage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "token" {
		if err := issueToken(args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(flag.CommandLine, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

// issueToken prints a signed token for a user id so clients can connect
// without the marketplace login.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userId := fs.Int("user", 0, "user id to issue the token for")
	exp := fs.Duration("exp", auth.DefaultExp, "token lifetime")

	cfg, err := config.Load(fs, args)
	if err != nil {
		return err
	}
	if *userId <= 0 {
		return fmt.Errorf("-user is required")
	}

	token, err := auth.NewAuthenticator(cfg.SigningKey, nil).IssueToken(*userId, *exp)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	sqlDB, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if cfg.RunMigrations {
		if err := database.Migrate(sqlDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("database migrations applied")
	}

	repo := database.NewPgChatRepository(sqlDB)

	counter, closeCounter, err := newUsageCounter(cfg, repo)
	if err != nil {
		return err
	}
	defer closeCounter()

	statsUpdater := stats.NewStatsUpdater()
	tracker := usage.NewTracker(counter, repo, usage.Limits(cfg.TierLimits))

	opts := server.DefaultOptions()
	opts.TypingTimeout = cfg.TypingTimeout
	opts.EventRate = rate.Limit(cfg.EventRate)
	opts.EventBurst = cfg.EventBurst
	opts.Shards = cfg.PresenceShards

	chatServer, err := server.NewChatServer(logger.With().Str("component", "chat").Logger(), repo, tracker, statsUpdater, opts)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	authn := auth.NewAuthenticator(cfg.SigningKey, repo)
	app := api.NewChatApp(logger.With().Str("component", "api").Logger(), chatServer, repo, authn, statsUpdater, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Stringer("signal", sig).Msg("received signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	logger.Info().Msg("shutting down chat server")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	return nil
}

// newUsageCounter returns the configured quota store and its close func.
func newUsageCounter(cfg *config.Config, repo *database.PgChatRepository) (usage.Counter, func(), error) {
	if cfg.UsageBackend != config.UsageBackendRedis {
		return usage.NewRepositoryCounter(repo), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	return usage.NewRedisCounter(client), func() { client.Close() }, nil
}
