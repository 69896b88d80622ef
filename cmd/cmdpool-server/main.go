package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edirooss/cmdpool/internal/http/handler"
	"github.com/edirooss/cmdpool/internal/http/middleware"
	"github.com/edirooss/cmdpool/internal/infrastructure/logbuf"
	"github.com/edirooss/cmdpool/internal/service"
	"github.com/edirooss/cmdpool/pkg/supervisor"
	"github.com/edirooss/cmdpool/redis"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8080", "listen address")
		maxKids   = flag.Int("max-kids", 8, "admission cap; 0 disables the cap")
		timeout   = flag.Duration("timeout", 0, "per-child age limit; 0 disables age-killing")
		backend   = flag.String("backend", "exec", "spawning backend (exec, group)")
		debug     = flag.Bool("debug", false, "verbose transition logging")
		redisAddr = flag.String("redis-addr", "localhost:6379", "redis address for the job queue")
		redisDB   = flag.Int("redis-db", 0, "redis database")
		redisJobs = flag.String("redis-jobs", "", "job list name to report queue depth for; empty disables")
	)
	flag.Parse()

	// Create Zap logger
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	if !*debug {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	// Output capture: while_alive pumps each child's streams into its ring
	// buffer; on_reap repeats the same pump until both streams reach EOF
	// (bounded, in case a grandchild still holds a pipe open) so the EOF
	// flush (and any final partial line) lands before the handle closes.
	logs := logbuf.NewManager()
	pump := func(c *supervisor.Child) error {
		buf := logs.Get(c.PID)
		for _, line := range c.Stdout().Lines() {
			buf.Append(line)
		}
		for _, line := range c.Stderr().Lines() {
			buf.Append(line)
		}
		return nil
	}
	drain := func(c *supervisor.Child) error {
		until := time.Now().Add(time.Second)
		for !(c.Stdout().EOF() && c.Stderr().EOF()) && time.Now().Before(until) {
			_ = pump(c)
			time.Sleep(10 * time.Millisecond)
		}
		return pump(c)
	}

	sup, err := supervisor.New(supervisor.Options{
		MaxKids:    *maxKids,
		Timeout:    *timeout,
		Backend:    *backend,
		WhileAlive: pump,
		OnReap:     drain,
		Debug:      *debug,
		Log:        log,
	})
	if err != nil {
		log.Fatal("supervisor creation failed", zap.Error(err))
	}
	defer sup.Close()

	// Reaping must progress without client traffic.
	go func() {
		for range time.Tick(time.Second) {
			sup.Sweep()
		}
	}()

	// Optional job-queue visibility for /api/summary.
	var jobs *redis.JobRepository
	if *redisJobs != "" {
		client := redis.NewClient(*redisAddr, *redisDB, log)
		defer client.Close()
		jobs = redis.NewJobRepository(log, client, *redisJobs)
	}

	summarySvc := service.NewSummaryService(log, sup, *maxKids, jobs, service.SummaryOptions{
		TTL:               250 * time.Millisecond,
		AllowStaleOnError: true,
	})

	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery()) // Recovery first (outermost)

	// CORS (dev only)
	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type"},
			ExposeHeaders:    []string{"X-Total-Count", "Location"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour, // cache preflight
		}))
	}

	r.Use(middleware.RequestID())
	r.Use(middleware.ZapLogger(log))
	r.Use(middleware.CapConcurrentRequests(64))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	handler.NewKidsHandler(log, sup, logs, summarySvc).Register(r)

	httpserver := &http.Server{
		Addr:    *addr,
		Handler: r,

		// Spawn requests can park in admission; give writes headroom.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,

		MaxHeaderBytes: 1 << 15, // 32 KB

		// Attach zap's logger
		ErrorLog: zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	log.Info(fmt.Sprintf("running HTTP server on %s", *addr))
	if err := httpserver.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}
