package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/store"
)

var (
	concurrency = flag.Int("c", 10, "Concurrency")
	requests    = flag.Int("n", 1000, "Acquire/release cycles per worker")
	target      = flag.String("target", "all", "Target: memory, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", "Backend", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var (
		st      store.Conditional
		cleanup func()
	)

	switch name {
	case "memory":
		st = store.NewMemory()
		cleanup = func() {}
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		st = store.NewRedis(client)
		cleanup = func() { _ = client.Close() }
	default:
		log.Printf("unknown target %q", name)
		return
	}
	defer cleanup()

	ctx := context.Background()
	manager, err := lock.New(st, "bench")
	if err != nil {
		log.Fatal(err)
	}
	defer manager.Close(ctx)

	latencies := make([][]time.Duration, *concurrency)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(*concurrency)
	for w := 0; w < *concurrency; w++ {
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("bench:%d", w)
			samples := make([]time.Duration, 0, *requests)
			for i := 0; i < *requests; i++ {
				t0 := time.Now()
				lease, err := manager.Acquire(ctx, key)
				if err != nil {
					log.Fatalf("%s: acquire: %v", name, err)
				}
				if err := manager.Release(ctx, lease); err != nil {
					log.Fatalf("%s: release: %v", name, err)
				}
				samples = append(samples, time.Since(t0))
			}
			latencies[w] = samples
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	for _, s := range latencies {
		all = append(all, s...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	var total time.Duration
	for _, d := range all {
		total += d
	}
	ops := float64(len(all)) / elapsed.Seconds()
	avg := total / time.Duration(len(all))
	p99 := all[len(all)*99/100]

	fmt.Printf("| %-10s | %-10.0f | %-12s | %-12s |\n", name, ops, avg, p99)
}
