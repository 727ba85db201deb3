package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pcarlton/relaychat/internal/api"
	"github.com/pcarlton/relaychat/internal/config"
	"github.com/pcarlton/relaychat/internal/database"
	"github.com/pcarlton/relaychat/internal/server"
	"github.com/pcarlton/relaychat/internal/stats"
)

// development only default, override in any real deployment
const defaultSigningSecret = "c2VjcmV0LXNpZ25pbmcta2V5LWNoYW5nZS1tZQ=="

type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringSliceFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*f = append(*f, v)
		}
	}

	return nil
}

func main() {
	logger := log.New(os.Stderr, "[relaychat] ", log.LstdFlags)

	var allowedOrigins stringSliceFlag
	addr := flag.String("addr", ":8080", "server listen address")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	signingSecret := flag.String("signing-key", defaultSigningSecret, "base64 encoded JWT signing secret")
	gracePeriod := flag.Duration("grace-period", server.DefaultGracePeriod, "presence demotion grace period")
	flag.Var(&allowedOrigins, "allowed-origins", "comma separated list of allowed CORS origins")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = stringSliceFlag{"http://localhost:3000"}
	}

	cfg, err := config.NewConfig(*addr, *dsn, *signingSecret, allowedOrigins, *gracePeriod)
	if err != nil {
		logger.Fatalf("config: %s", err)
	}

	if err := database.RunMigrations(cfg.DatabaseDSN); err != nil {
		logger.Fatalf("migrations: %s", err)
	}

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("database: %s", err)
	}
	defer db.Close()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, cfg.GracePeriod)
	if err != nil {
		logger.Fatalf("chat server: %s", err)
	}

	app := api.NewApp(mux, logger, chatServer, db, cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %s", err)
		}
	case sig := <-sigChan:
		logger.Printf("received signal %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %s", err)
	}

	chatServer.Shutdown()
	statsUpdater.Stop()
}
