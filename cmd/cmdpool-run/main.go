// cmdpool-run fans a batch of job lines out through one supervisor: read
// commands (from files, stdin, or a redis list), run at most max-kids at a
// time, stream their output, and wait for the stragglers.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edirooss/cmdpool/pkg/cmdline"
	"github.com/edirooss/cmdpool/pkg/fmtt"
	"github.com/edirooss/cmdpool/pkg/supervisor"
	"github.com/edirooss/cmdpool/redis"
)

func main() {
	var (
		maxKids   = flag.Int("max-kids", 4, "admission cap; 0 disables the cap")
		timeout   = flag.Duration("timeout", 0, "per-child age limit; 0 disables age-killing")
		backend   = flag.String("backend", "exec", "spawning backend (exec, group)")
		wait      = flag.Duration("wait", 0, "deadline for the final wait; 0 waits until every job is reaped")
		idPrefix  = flag.String("id-prefix", "job", "label prefix for unlabeled jobs")
		debug     = flag.Bool("debug", false, "verbose transition logging")
		redisAddr = flag.String("redis-addr", "localhost:6379", "redis address for -redis-list")
		redisDB   = flag.Int("redis-db", 0, "redis database")
		redisList = flag.String("redis-list", "", "drain job lines from this redis list instead of files/stdin")
	)
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	if !*debug {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	// Stream child output as it arrives, GNU-parallel style. On reap, drain
	// repeats the same pump until both streams reach EOF (bounded, in case a
	// grandchild still holds a pipe open) so the EOF flush lands before the
	// handle closes.
	pump := func(c *supervisor.Child) error {
		for _, line := range c.Stdout().Lines() {
			fmt.Fprintf(os.Stdout, "[%s] %s\n", c.ID, line)
		}
		for _, line := range c.Stderr().Lines() {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", c.ID, line)
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

	spawned, failed := 0, 0
	run := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			return
		}
		argv, err := cmdline.Split(line)
		if err != nil {
			log.Error("bad job line", zap.String("line", line), zap.Error(err))
			failed++
			return
		}

		id := fmt.Sprintf("%s-%s", *idPrefix, uuid.NewString()[:8])
		if _, err := sup.Spawn(supervisor.SpawnSpec{Cmdline: argv, ID: id}); err != nil {
			log.Error("spawn failed", zap.String("id", id), zap.Error(err))
			if *debug {
				fmtt.PrintErrChain(err)
			}
			failed++
			return
		}
		spawned++
	}

	if *redisList != "" {
		client := redis.NewClient(*redisAddr, *redisDB, log)
		defer client.Close()
		jobs := redis.NewJobRepository(log, client, *redisList)

		ctx := context.Background()
		for {
			line, ok, err := jobs.Dequeue(ctx)
			if err != nil {
				log.Fatal("job dequeue failed", zap.Error(err))
			}
			if !ok {
				break
			}
			run(line)
		}
	} else {
		for _, r := range jobReaders(log) {
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				run(sc.Text())
			}
			if err := sc.Err(); err != nil {
				log.Fatal("reading job lines failed", zap.Error(err))
			}
			if c, ok := r.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}

	ok := sup.Wait(*wait)
	if !ok {
		log.Warn("deadline hit; survivors remain", zap.Int("count_kids", sup.CountKids()))
	}
	log.Info("batch finished",
		zap.Int("spawned", spawned), zap.Int("failed", failed),
		zap.Duration("wait", *wait))

	sup.Close()
	if !ok || failed > 0 {
		os.Exit(1)
	}
}

// jobReaders resolves the job sources: positional files, or stdin when
// none were given.
func jobReaders(log *zap.Logger) []io.Reader {
	if flag.NArg() == 0 {
		return []io.Reader{os.Stdin}
	}
	var out []io.Reader
	for _, path := range flag.Args() {
		f, err := os.Open(path)
		if err != nil {
			log.Fatal("cannot open job file", zap.String("path", path), zap.Error(err))
		}
		out = append(out, f)
	}
	return out
}
