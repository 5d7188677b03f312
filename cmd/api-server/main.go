package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"

	"github.com/sre-norns/skuld/pkg/assets"
	"github.com/sre-norns/skuld/pkg/grace"
	"github.com/sre-norns/skuld/pkg/redqueue"
)

type ServerConfig struct {
	grace.LogConfig `embed:""`

	Queue  redqueue.Config `embed:"" group:"queue"`
	Assets assets.Config   `embed:"" group:"assets"`

	ListenOn     string        `help:"Address to listen on" default:":8080" env:"SKULD_API_LISTEN"`
	ApiKeys      []string      `help:"API keys accepted by the server, any key is accepted if none set" env:"SKULD_API_KEYS"`
	ResultsUrl   string        `help:"Base URL of links to test results" default:"https://results.sre-norns.dev" env:"SKULD_RESULTS_URL"`
	CheckTimeout time.Duration `help:"Maximum time a scheduled check may run" default:"5m"`
}

var appConfig ServerConfig

func main() {
	_ = godotenv.Load()

	kong.Parse(&appConfig,
		kong.Name("api-server"),
		kong.Description("Skuld API server: schedules check sessions and serves their assets"),
	)

	logger := appConfig.LogConfig.NewLogger(os.Stderr)
	mainContext := grace.SetupSignalHandler()

	queue := redqueue.NewQueue(appConfig.Queue, appConfig.CheckTimeout, logger)
	defer queue.Close()

	store, err := assets.New(appConfig.Assets)
	grace.SuccessRequired(logger, err, "failed to initialize asset store")
	defer store.Close()

	apiKeys := make(map[string]struct{}, len(appConfig.ApiKeys))
	for _, key := range appConfig.ApiKeys {
		apiKeys[key] = struct{}{}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &server{
		scheduler:  queue,
		assets:     store,
		sessions:   newSessions(),
		logger:     logger,
		apiKeys:    apiKeys,
		resultsUrl: appConfig.ResultsUrl,
	}

	httpServer := &http.Server{
		Addr:              appConfig.ListenOn,
		Handler:           srv.apiRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-mainContext.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	level.Info(logger).Log("msg", "listening", "addr", appConfig.ListenOn)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		grace.ExitOrLog(logger, err)
	}
}
