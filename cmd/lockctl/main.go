package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/keycodec"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/metrics"
	"github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/presets"
)

var (
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
	password    = flag.String("password", "", "Redis password")
	db          = flag.Int("db", 0, "Redis database")
	service     = flag.String("service", "lockctl", "Service name used for admin operations")
	bus         = flag.String("bus", presets.BusRedis, "Notification bus: inmemory, redis, nats or kafka")
	natsURL     = flag.String("nats", "", "NATS server url")
	kafka       = flag.String("kafka", "", "Comma separated Kafka brokers")
	filter      = flag.String("filter", "", "Only list locks held by this service")
	threshold   = flag.Duration("threshold", time.Minute, "Hold time reported by long-held")
	window      = flag.Duration("window", 0, "Restrict stats to this trailing window")
	metricsAddr = flag.String("metrics", ":2112", "Listen address of the metrics endpoint (serve)")
	trace       = flag.Bool("trace", false, "Print spans to stdout")
)

const usage = `usage: lockctl [flags] <command> [args]

commands:
  list                 list active locks (-filter service)
  info <key>           show one lock
  long-held            list locks held longer than -threshold
  stats                show statistics (-window for a trailing window)
  conflicts            show cross-service conflicts
  deadlocks            show deadlock risk
  unlock <key>...      force unlock keys or resource ids
  serve                expose /metrics and relay events until interrupted
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	cfg := presets.DefaultConfig()
	cfg.RedisAddr = *redisAddr
	cfg.Password = *password
	cfg.DB = *db
	cfg.Service = *service
	cfg.Bus = *bus
	cfg.NATSURL = *natsURL
	if *kafka != "" {
		cfg.KafkaBrokers = strings.Split(*kafka, ",")
	}

	engine, err := presets.NewRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("lockctl: %v", err)
	}
	defer engine.Close()

	if err := run(ctx, engine, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Printf("lockctl: %v", err)
		engine.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, e *presets.Engine, cmd string, args []string) error {
	m := e.Monitor
	switch cmd {
	case "list":
		recs, err := m.ListActive(ctx, *filter)
		if err != nil {
			return err
		}
		return printJSON(recs)
	case "info":
		if len(args) != 1 {
			return fmt.Errorf("info takes exactly one key")
		}
		rec, ok, err := m.LockInfo(ctx, resolveKey(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not locked", args[0])
		}
		return printJSON(rec)
	case "long-held":
		recs, err := m.LongHeld(ctx, *threshold)
		if err != nil {
			return err
		}
		return printJSON(recs)
	case "stats":
		if *window > 0 {
			now := time.Now()
			st, err := m.StatisticsBetween(ctx, now.Add(-*window), now)
			if err != nil {
				return err
			}
			return printJSON(st)
		}
		st, err := m.Statistics(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	case "conflicts":
		conflicts, err := m.DetectConflicts(ctx)
		if err != nil {
			return err
		}
		return printJSON(conflicts)
	case "deadlocks":
		risks, err := m.DetectDeadlockRisk(ctx)
		if err != nil {
			return err
		}
		return printJSON(risks)
	case "unlock":
		if len(args) == 0 {
			return fmt.Errorf("unlock needs at least one key")
		}
		keys := make([]string, len(args))
		for i, a := range args {
			keys[i] = resolveKey(a)
		}
		res := m.BatchForceUnlock(ctx, keys)
		for k, err := range res.Failed {
			log.Printf("lockctl: %s: %v", k, err)
		}
		if err := printJSON(res); err != nil {
			return err
		}
		return res.Err()
	case "serve":
		return serve(ctx, e)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// resolveKey accepts either a full lock key or a bare resource id.
func resolveKey(arg string) string {
	if strings.HasPrefix(arg, keycodec.DefaultPrefix) {
		return arg
	}
	key, err := keycodec.Canonical(arg)
	if err != nil {
		return arg
	}
	return key
}

func serve(ctx context.Context, e *presets.Engine) error {
	reg := metrics.NewRegistry()
	e.RegisterMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Printf("lockctl serving metrics on %s", *metricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
