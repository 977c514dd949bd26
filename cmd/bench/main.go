// Command bench runs a synthetic multi-executor workload against a node
// cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/shmcache/cache"
	pmet "github.com/IvanBrykalov/shmcache/metrics/prom"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ---- Flags ----
	var (
		enable     = flag.String("cache", "true:268435456", `enable string "<bool>[:<bytes>]"`)
		configPath = flag.String("config", "", "YAML options file (overrides -cache)")
		addr       = flag.String("addr", "127.0.0.1:0", "allocator endpoint")
		segDir     = flag.String("dir", "", "segment directory (empty = /dev/shm or temp dir)")
		remote     = flag.Bool("remote", false, "executors attach through Connect instead of in-process clients")

		executors = flag.Int("executors", runtime.GOMAXPROCS(0), "number of executor goroutines")
		duration  = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct   = flag.Int("reads", 90, "retrieve percentage [0..100]")

		keys  = flag.Int("keys", 10_000, "keyspace size")
		elems = flag.Int("elems", 4096, "float64 elements per cached array")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, config{
		enable: *enable, configPath: *configPath, addr: *addr, segDir: *segDir, remote: *remote,
		executors: *executors, duration: *duration, readPct: *readPct,
		keys: *keys, elems: *elems, zipfS: *zipfS, seed: *seed,
		pprofAddr: *pprofAddr, metricsAddr: *metricsAddr,
	}); err != nil {
		logger.Error("bench failed", "err", err)
		os.Exit(1)
	}
}

type config struct {
	enable, configPath, addr, segDir string
	remote                           bool
	executors                        int
	duration                         time.Duration
	readPct, keys, elems             int
	zipfS                            float64
	seed                             int64
	pprofAddr, metricsAddr           string
}

func run(logger *slog.Logger, cfg config) error {
	// ---- Options ----
	var (
		opts cache.Options
		st   cache.Setting
		err  error
	)
	if cfg.configPath != "" {
		opts, st, err = cache.LoadOptions(cfg.configPath)
	} else {
		st, err = cache.ParseEnable(cfg.enable)
		opts = cache.Options{Capacity: st.Capacity, Addr: cfg.addr, SegmentDir: cfg.segDir}
	}
	if err != nil {
		return err
	}
	if !st.Enabled {
		logger.Info("cache disabled; nothing to measure")
		return nil
	}
	opts.Logger = logger

	// ---- pprof server (on DefaultServeMux) ----
	if cfg.pprofAddr != "" {
		go func() {
			logger.Info("pprof: serving", "addr", cfg.pprofAddr)
			logger.Warn("pprof server stopped", "err", http.ListenAndServe(cfg.pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	opts.Metrics = pmet.New(nil, "shmcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("metrics: serving", "addr", cfg.metricsAddr)
		logger.Warn("metrics server stopped", "err", http.ListenAndServe(cfg.metricsAddr, nil))
	}()

	// ---- Node ----
	ctx := context.Background()
	node, err := cache.Start(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logger.Error("stop", "err", err)
		}
	}()
	opts.Addr = node.Addr()

	// ---- Load generation ----
	var inserts, reads, hits, misses, total atomic.Uint64
	runCtx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	workers := max(cfg.executors, 1)
	keysMax := uint64(max(cfg.keys, 1) - 1)
	start := time.Now()
	clients := make([]*cache.Client, workers)
	for w := range clients {
		if !cfg.remote {
			clients[w] = node.Client()
			continue
		}
		if clients[w], err = cache.Connect(ctx, opts); err != nil {
			for _, c := range clients[:w] {
				_ = c.Close()
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	for w, c := range clients {
		g.Go(func() error {
			defer c.Close()
			// Each executor gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(cfg.seed + int64(w)*9973))
			zipf := rand.NewZipf(r, cfg.zipfS, 1, keysMax)
			payload := make([]float64, max(cfg.elems, 1))
			for gctx.Err() == nil {
				total.Add(1)
				k := "obj-" + strconv.FormatUint(zipf.Uint64(), 10) + ".npy"
				if int(r.Int31n(100)) < cfg.readPct {
					reads.Add(1)
					if !c.Contains(k) {
						misses.Add(1)
						continue
					}
					v, err := c.Retrieve(k)
					if err != nil {
						misses.Add(1)
						continue
					}
					if a, ok := v.(cache.Array); ok {
						_ = a.Release()
					}
					hits.Add(1)
					continue
				}
				payload[0] = float64(r.Int())
				if c.InsertAny(k, payload) {
					inserts.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report ----
	hitRate := 0.0
	if n := reads.Load(); n > 0 {
		hitRate = float64(hits.Load()) / float64(n) * 100
	}
	s := node.Stats()
	fmt.Printf("executors=%d remote=%v keys=%d elems=%d dur=%v seed=%d\n",
		workers, cfg.remote, cfg.keys, cfg.elems, elapsed, cfg.seed)
	fmt.Printf("ops=%d (%.0f ops/s)  retrieves=%d  inserts=%d\n",
		total.Load(), float64(total.Load())/elapsed.Seconds(), reads.Load(), inserts.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hits.Load(), misses.Load(), hitRate)
	fmt.Printf("entries=%d used=%d capacity=%d pending=%d\n", s.Entries, s.Used, s.Capacity, s.Pending)
	if err := node.Err(); err != nil {
		return err
	}
	return nil
}
