package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/anomaly"
	"github.com/arguscam/argus/internal/capture"
	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/cvsource"
	"github.com/arguscam/argus/internal/detect"
	"github.com/arguscam/argus/internal/engine"
	"github.com/arguscam/argus/internal/sink"
)

func main() {
	var (
		sourcesFlag = flag.String("sources", "", "comma-separated id=uri source list, e.g. front=rtsp://cam1/stream,door=0")
		envFile     = flag.String("env", ".env", "environment file to load before reading configuration")
		metricsAddr = flag.String("metrics", ":9090", "listen address for the /metrics endpoint, empty to disable")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(*sourcesFlag, *metricsAddr); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(sourcesFlag, metricsAddr string) error {
	cfg := config.FromEnv()
	logger := zap.L().Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := parseSources(sourcesFlag)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no sources configured, pass -sources")
	}

	fanout := sink.NewFanout(buildSinks(ctx, cfg, logger)...)
	defer fanout.Close()

	eng := engine.New(ctx, cfg, cvsource.NewOpener(), detect.Detectors{}, fanout, anomaly.Models{})
	defer eng.Close()

	for _, sc := range sources {
		if err := eng.AddSource(sc); err != nil {
			return fmt.Errorf("add source %s: %w", sc.ID, err)
		}
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	if err := eng.Start(); err != nil {
		// Unreachable sources are not fatal; they can be restarted once the
		// camera comes back.
		logger.Warn("engine started with degraded sources", zap.Error(err))
	}
	logger.Info("running", zap.Int("sources", len(sources)))

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Stop()
	return nil
}

// parseSources turns "id=uri,id=uri" into source configs.
func parseSources(s string) ([]capture.SourceConfig, error) {
	if s == "" {
		return nil, nil
	}
	var out []capture.SourceConfig
	for _, part := range strings.Split(s, ",") {
		id, uri, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || uri == "" {
			return nil, fmt.Errorf("malformed source %q, want id=uri", part)
		}
		out = append(out, capture.SourceConfig{
			ID:         id,
			Descriptor: capture.Descriptor{URI: uri},
			Enabled:    true,
		})
	}
	return out, nil
}

// buildSinks constructs every sink whose endpoint is configured. A sink that
// fails to connect is skipped with a warning so one dead dependency does not
// keep the cameras down.
func buildSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) []sink.Sink {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var sinks []sink.Sink

	if cfg.Redis.Addr != "" {
		if s, err := sink.NewRedisSink(connectCtx, cfg.Redis); err != nil {
			logger.Warn("redis sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if s, err := sink.NewKafkaSink(connectCtx, cfg.Kafka); err != nil {
			logger.Warn("kafka sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}

	if cfg.Backend.WSURL != "" {
		sinks = append(sinks, sink.NewWSSink(ctx, cfg.Backend))
	}

	if cfg.Storage.Endpoint != "" {
		if s, err := sink.NewSnapshotSink(connectCtx, cfg.Storage); err != nil {
			logger.Warn("snapshot sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, s)
		}
	}

	return sinks
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server exited", zap.Error(err))
	}
}
