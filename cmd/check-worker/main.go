package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sre-norns/wyrd/pkg/manifest"

	"github.com/sre-norns/skuld/pkg/assets"
	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/broker/kafkabus"
	"github.com/sre-norns/skuld/pkg/broker/redisbus"
	"github.com/sre-norns/skuld/pkg/grace"
	"github.com/sre-norns/skuld/pkg/probe"
	"github.com/sre-norns/skuld/pkg/redqueue"

	_ "github.com/sre-norns/skuld/pkg/probers/http"
	_ "github.com/sre-norns/skuld/pkg/probers/tcp"
)

type WorkerConfig struct {
	grace.LogConfig `embed:""`

	Queue  redqueue.Config `embed:"" group:"queue"`
	Redis  redisbus.Config `embed:"" group:"redis"`
	Kafka  kafkabus.Config `embed:"" group:"kafka"`
	Assets assets.Config   `embed:"" group:"assets"`

	Broker       string          `help:"Broker check run messages are published to" enum:"redis,kafka" default:"redis" env:"SKULD_BROKER"`
	Concurrency  int             `help:"Maximum number of checks executed concurrently" default:"10"`
	MaxTimeout   time.Duration   `help:"Maximum duration alloted for each check run" default:"5m"`
	ListenOn     string          `help:"Address to serve health and metrics endpoints on" default:":9115" env:"SKULD_WORKER_LISTEN"`
	CustomLabels manifest.Labels `help:"Extra labels to identify this instance of the worker"`
}

func (c *WorkerConfig) newPublisher() broker.Publisher {
	if c.Broker == "kafka" {
		return kafkabus.NewPublisher(c.Kafka)
	}

	return redisbus.NewPublisher(c.Redis)
}

func newHttpServer(addr string, registry *prometheus.Registry, labels manifest.Labels) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"labels": labels,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

var appConfig WorkerConfig

func main() {
	_ = godotenv.Load()

	kong.Parse(&appConfig,
		kong.Name("check-worker"),
		kong.Description("Skuld worker picks up scheduled checks, executes them and publishes their results"),
	)

	logger := appConfig.LogConfig.NewLogger(os.Stderr)
	mainContext := grace.SetupSignalHandler()

	labels := probe.RuntimeLabels(appConfig.CustomLabels)
	level.Info(logger).Log("msg", "starting worker", "labels", fmt.Sprint(labels))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := assets.New(appConfig.Assets)
	grace.SuccessRequired(logger, err, "failed to initialize asset store")
	defer store.Close()

	publisher := appConfig.newPublisher()
	defer publisher.Close()

	w := &worker{
		publisher:  publisher,
		uploader:   store,
		metrics:    newWorkerMetrics(registry),
		logger:     logger,
		maxTimeout: appConfig.MaxTimeout,
		now:        time.Now,
	}

	server := newHttpServer(appConfig.ListenOn, registry, labels)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server failed", "err", err)
		}
	}()

	workerServer := asynq.NewServer(asynq.RedisClientOpt{Addr: appConfig.Queue.QueueRedisAddress}, asynq.Config{
		Concurrency: appConfig.Concurrency,
		Queues:      map[string]int{appConfig.Queue.Queue: 1},
		Logger:      asynqLogger{log.With(logger, "component", "asynq")},
		BaseContext: func() context.Context { return mainContext },
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(redqueue.TaskType, w.HandleCheckRun)

	grace.SuccessRequired(logger, workerServer.Start(mux), "failed to start the worker")
	<-mainContext.Done()

	level.Info(logger).Log("msg", "shutting down")
	workerServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	grace.ExitOrLog(logger, server.Shutdown(shutdownCtx))
}
