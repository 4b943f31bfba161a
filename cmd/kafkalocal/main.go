package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thatguystone/kafkalocal"
	"github.com/thatguystone/kafkalocal/broker"
	"github.com/thatguystone/kafkalocal/log"
	gracefully "github.com/tj/go-gracefully"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"
)

const usage = "Usage: kafkalocal <tmpdir>\n\n"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		gracefully.Timeout = 10 * time.Second
		gracefully.Shutdown()
		cancel()
	}()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line in args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}

	v := viper.New()
	v.SetEnvPrefix("kafkalocal")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	code := exitOK
	cmd := &cobra.Command{
		Use:           "kafkalocal <tmpdir>",
		Short:         "Run a coordination service and a Kafka broker under one directory",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				fmt.Fprint(stdout, usage)
				code = exitUsage
				return nil
			}
			code = launch(ctx, args[0], v, stdout, stderr)
			return nil
		},
	}
	cmd.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(stdout, usage)
		fmt.Fprint(stderr, "Flags:\n"+cmd.Flags().FlagUsages())
		code = exitUsage
	})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-file", "", "Write logs to this file, rotated, instead of stderr")
	flags.Duration("ready-timeout", kafkalocal.DefaultReadyTimeout, "How long to wait for the coordination service before giving up")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.Bool("trace", false, "Report request spans to Jaeger")
	flags.String("resources", "", "Directory holding zk.properties and kafka.properties to use instead of the bundled ones")
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "kafkalocal: %v\n", err)
		fmt.Fprint(stdout, usage)
		return exitUsage
	}
	return code
}

func launch(ctx context.Context, tmpDir string, v *viper.Viper, stdout, stderr io.Writer) int {
	logger, err := log.New(log.Config{
		Level: v.GetString("log-level"),
		File:  v.GetString("log-file"),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	defer log.Sync(logger)

	opts := []kafkalocal.Option{
		kafkalocal.WithLogger(logger),
		kafkalocal.WithReadyTimeout(v.GetDuration("ready-timeout")),
	}
	if dir := v.GetString("resources"); dir != "" {
		opts = append(opts, kafkalocal.WithResources(os.DirFS(dir)))
	}

	if addr := v.GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv, err := serveMetrics(addr, reg, logger)
		if err != nil {
			fmt.Fprintf(stderr, "error serving metrics: %v\n", err)
			return exitFailure
		}
		defer srv.Close()
		opts = append(opts, kafkalocal.WithMetrics(broker.NewMetrics(reg)))
	}

	if v.GetBool("trace") {
		tracer, closer, err := newTracer()
		if err != nil {
			fmt.Fprintf(stderr, "error starting tracer: %v\n", err)
			return exitFailure
		}
		defer closer.Close()
		opts = append(opts, kafkalocal.WithTracer(tracer))
	}

	err = kafkalocal.New(tmpDir, opts...).Run(ctx)
	var cerr *kafkalocal.CoordinatorError
	switch {
	case err == nil:
		logger.Info("shut down")
		return exitOK
	case errors.As(err, &cerr):
		fmt.Fprintf(stdout, "coordination service exception: %v\n", cerr.Err)
		return exitFailure
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("interrupted during startup")
		return exitOK
	default:
		logger.Error("broker failed", log.Error("error", err))
		fmt.Fprintf(stdout, "broker exception: %v\n", err)
		return exitFailure
	}
}

func serveMetrics(addr string, g prometheus.Gatherer, logger log.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", log.Error("error", err))
		}
	}()
	logger.Info("serving metrics", log.String("addr", ln.Addr().String()))
	return srv, nil
}

func newTracer() (opentracing.Tracer, io.Closer, error) {
	cfg := jaegercfg.Configuration{
		ServiceName: "kafkalocal",
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}
	return cfg.NewTracer(
		jaegercfg.Logger(jaegerlog.StdLogger),
		jaegercfg.Metrics(metrics.NullFactory),
	)
}
