package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/presets"
)

var (
	workers   = flag.Int("c", 16, "Concurrent workers")
	requests  = flag.Int("n", 20000, "Lock operations per target")
	tenants   = flag.Int("tenants", 8, "Distinct tenants; 0 makes every worker use the global key")
	target    = flag.String("target", "all", "Targets: memory, sqlite, redis, miniredis")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address for the redis target")
)

type result struct {
	acquired int64
	busy     int64
	failed   int64
}

func main() {
	flag.Parse()
	if *workers <= 0 || *requests < *workers {
		log.Fatalf("need at least one request per worker")
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "sqlite", "miniredis"}
	}

	fmt.Printf("| %-10s | %-10s | %-8s | %-8s | %-12s | %-12s |\n", "Store", "Ops/sec", "Busy", "Errors", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|:---|:---|")
	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func open(name string) (*presets.Instance, func(), error) {
	switch name {
	case "memory":
		return presets.NewInMemory(), func() {}, nil
	case "sqlite":
		dir, err := os.MkdirTemp("", "lock-bench-")
		if err != nil {
			return nil, nil, err
		}
		inst, err := presets.NewSQLite(filepath.Join(dir, "bench.db"))
		return inst, func() { _ = os.RemoveAll(dir) }, err
	case "redis":
		return presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}), func() {}, nil
	case "miniredis":
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, err
		}
		return presets.NewRedis(presets.RedisOptions{Addr: mr.Addr()}), mr.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown target %q", name)
}

func runBenchmark(name string) {
	inst, cleanup, err := open(name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		return
	}
	defer cleanup()
	defer inst.Close()

	var res result
	latencies := make([]int64, *requests)
	chunk := *requests / *workers
	ctx := context.Background()

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *workers; i++ {
		requester := lock.NewRequester()
		offset := i * chunk
		g.Go(func() error {
			for j := 0; j < chunk; j++ {
				key := lock.GlobalScope
				if *tenants > 0 {
					key = lock.TenantScope(fmt.Sprintf("tenant-%d", (offset+j)%*tenants))
				}
				reqStart := time.Now()
				err := inst.Do(ctx, key, requester, func(context.Context, *lock.Guard) error { return nil })
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				switch {
				case err == nil:
					atomic.AddInt64(&res.acquired, 1)
				case tlerrors.IsBusy(err):
					atomic.AddInt64(&res.busy, 1)
				default:
					atomic.AddInt64(&res.failed, 1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	total := res.acquired + res.busy + res.failed
	if total == 0 {
		fmt.Printf("| %-10s | %-10s | %-8s | %-8s | %-12s | %-12s |\n", name, "ERROR", "-", "-", "-", "-")
		return
	}

	valid := make([]int64, 0, total)
	var sum int64
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
			sum += l
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	p99 := time.Duration(0)
	avg := time.Duration(0)
	if len(valid) > 0 {
		idx := int(float64(len(valid)) * 0.99)
		if idx >= len(valid) {
			idx = len(valid) - 1
		}
		p99 = time.Duration(valid[idx])
		avg = time.Duration(sum / int64(len(valid)))
	}

	fmt.Printf("| %-10s | %-10.0f | %-8d | %-8d | %-12s | %-12s |\n",
		name, float64(total)/elapsed.Seconds(), res.busy, res.failed, avg, p99)
}
