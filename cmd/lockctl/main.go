package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-tenantlock/internal/backend"
	"github.com/mirkobrombin/go-tenantlock/internal/config"
	"github.com/mirkobrombin/go-tenantlock/internal/logger"
	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/reaper"
	"github.com/mirkobrombin/go-tenantlock/v1/scope"
)

var (
	envFile   = flag.String("env", "", "Path of a .env file to load")
	olderThan = flag.Duration("older-than", reaper.DefaultOlderThan, "Age above which a lock is stale")
	asJSON    = flag.Bool("json", false, "Print JSON instead of a table")
	timeout   = flag.Duration("timeout", 10*time.Second, "Overall command timeout")
)

const usage = `usage: lockctl [flags] <command> [args]

commands:
  stale                         list locks older than -older-than
  reap                          release stale locks as their recorded holder
  acquire <key> <requester>     acquire a lock, stealing it if held
  release <key> <requester>     release a lock held by requester
  steal <key>                   force release a lock whoever holds it
  scope <operation> [tenant]    print the key an operation locks
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "lockctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if args[0] == "scope" {
		return runScope(args[1:])
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	zl, err := logger.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	be, err := backend.Open(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer be.Close()

	h := lock.NewHandle(be.Store, lock.WithLogger(zl), lock.WithBus(be.Bus))

	switch args[0] {
	case "stale":
		recs, err := be.Store.FindStale(ctx, *olderThan)
		if err != nil {
			return err
		}
		return printRecords(recs)
	case "reap":
		r, err := reaper.New(be.Store,
			reaper.WithMode(reaper.ModeReap),
			reaper.WithOlderThan(*olderThan),
			reaper.WithLogger(zl),
			reaper.WithBus(be.Bus),
		)
		if err != nil {
			return err
		}
		rep, err := r.Scan(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reaped %d of %d stale locks\n", rep.Reaped, len(rep.Stale))
		return nil
	case "acquire", "release":
		if len(args) != 3 {
			return fmt.Errorf("%s needs <key> <requester>", args[0])
		}
		key, err := lock.ParseKey(args[1])
		if err != nil {
			return err
		}
		if args[0] == "acquire" {
			err = h.Acquire(ctx, key, args[2])
		} else {
			err = h.Release(ctx, key, args[2])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s for %s\n", args[0], key, args[2])
		return nil
	case "steal":
		if len(args) != 2 {
			return fmt.Errorf("steal needs <key>")
		}
		key, err := lock.ParseKey(args[1])
		if err != nil {
			return err
		}
		removed, err := be.Store.Steal(ctx, key.String())
		if err != nil {
			return err
		}
		if removed {
			zl.Warn("lock force released", zap.String("key", key.String()))
		}
		fmt.Printf("removed=%v\n", removed)
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func runScope(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("scope needs <operation> [tenant]")
	}
	tenant := ""
	if len(args) > 1 {
		tenant = args[1]
	}
	key, err := scope.NewSelector().Select(scope.Operation(args[0]), tenant)
	if err != nil {
		return err
	}
	fmt.Printf("%s global=%v\n", key, key.IsGlobal())
	return nil
}

func printRecords(recs []lock.Record) error {
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tHOLDER\tCREATED\tAGE")
	now := time.Now()
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Key, r.Holder, r.CreatedAt.Format(time.RFC3339), r.Age(now).Round(time.Second))
	}
	return w.Flush()
}
