package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/danielmarbach/leasebench/bench"
	"github.com/danielmarbach/leasebench/metrics"
	"github.com/danielmarbach/leasebench/store"
)

var (
	backend      = flag.String("backend", "memory", "Store backend: memory or redis")
	redisAddr    = flag.String("redis", "localhost:6379", "Redis address (redis backend)")
	writers      = flag.Int("c", 50, "Number of concurrent writers per strategy")
	rounds       = flag.Int("rounds", 5, "Number of benchmark rounds")
	retryBackoff = flag.Duration("retry-backoff", 10*time.Millisecond, "Delay between mutation retries")
	pollBackoff  = flag.Duration("poll-backoff", 50*time.Millisecond, "Lease acquisition poll interval")
	leaseTTL     = flag.Duration("lease", time.Minute, "Lease duration for the pessimistic strategy")
	maxAttempts  = flag.Int("max-attempts", 1000, "Retry budget per mutation (0 = unbounded)")
	metricsAddr  = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :2112)")
	traceOut     = flag.Bool("trace", false, "Emit traces to stdout")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	log.Printf("Starting benchmark: %d writers, %d rounds, %s backend", *writers, *rounds, *backend)

	var st store.Store
	switch *backend {
	case "memory":
		st = store.NewMemory()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		st = store.NewRedis(client)
	default:
		log.Fatalf("Unknown backend %q", *backend)
	}

	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterBenchMetrics(reg)
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	cfg := bench.Config{
		Writers:       *writers,
		Rounds:        *rounds,
		RetryBackoff:  *retryBackoff,
		PollBackoff:   *pollBackoff,
		LeaseDuration: *leaseTTL,
		MaxAttempts:   *maxAttempts,
	}

	results, err := bench.NewRunner(st, cfg, nil).Run(ctx)
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	totals := make(map[string]time.Duration)
	for _, res := range results {
		log.Printf("%-12s round %d: %v (%d retries)", res.Strategy, res.Round, res.Elapsed, res.Retries)
		totals[res.Strategy] += res.Elapsed
	}
	for _, strategy := range []string{bench.StrategyOptimistic, bench.StrategyPessimistic} {
		log.Printf("%-12s total: %v (avg %v/round)", strategy, totals[strategy], totals[strategy]/time.Duration(*rounds))
	}
}
