package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tarasglek/lazyproxy/internal/config"
	"github.com/tarasglek/lazyproxy/internal/metrics"
	"github.com/tarasglek/lazyproxy/internal/proxy"
)

// envPrefix prefixes the environment variable that can set each flag, e.g.
// LZPROXY_IDLE_TIMEOUT_MS for --idle-timeout-ms.
const envPrefix = "LZPROXY_"

type flags struct {
	configPath string

	environment             map[string]string
	host                    string
	idleTimeoutMs           int64
	name                    string
	port                    int
	portEnvironmentVariable string
	incomingTimeoutMs       int64
	outgoingTimeoutMs       int64
	probes                  config.ProbeFlags
	targetHost              string
	targetPort              int
	targetPortEnvironment   string
	targetTerminationSignal string

	logLevel        string
	logFormat       string
	metricsListen   string
	shutdownTimeout time.Duration
}

func newRootCmd(lookupEnv func(string) (string, bool)) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "lazyproxy [flags] [--] [command to start target server]",
		Short: "Start a server on the first request and stop it when idle",
		Example: `  lazyproxy
      run "node server.js" as the target
  lazyproxy -p /status -- nodemon server.js
      run server.js under nodemon using /status as its readiness probe path`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindEnv(cmd.Flags(), lookupEnv)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, err := f.proxies(cmd.Flags(), args, lookupEnv)
			if err != nil {
				return err
			}
			logger, err := f.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfgs, f, logger)
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().SortFlags = false
	f.register(cmd.Flags())
	return cmd
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to configuration file (JSON, YAML or TOML)")
	fs.StringToStringVarP(&f.environment, "environment", "e", nil, "pass an environment variable to the target (format: FOO=bar)")
	fs.StringVar(&f.host, "host", config.DefaultHost, "hostname that the proxy should listen on")
	fs.Int64Var(&f.idleTimeoutMs, "idle-timeout-ms", 0, "stop the target if it has been idle for this long")
	fs.StringVar(&f.name, "name", "", "name of the proxy used in the logs; defaults to port number")
	fs.IntVar(&f.port, "port", 0, "force proxy to run on the given port")
	fs.StringVarP(&f.portEnvironmentVariable, "port-environment-variable", "o", config.DefaultPortEnvironmentVariable,
		"name of environment variable that sets the port number that the proxy (and target, by default) listens on")
	fs.Int64Var(&f.incomingTimeoutMs, "proxy-incoming-timeout-ms", 0, "timeout for reading and writing client connections")
	fs.Int64Var(&f.outgoingTimeoutMs, "proxy-outgoing-timeout-ms", 0, "timeout for the target's response headers")
	fs.IntSliceVarP(&f.probes.MaxTries, "readiness-probe-max-tries", "t", nil,
		fmt.Sprintf("probe the newly started target this many times before giving up (default %d)", config.DefaultProbeMaxTries))
	fs.StringArrayVarP(&f.probes.Paths, "readiness-probe-path", "p", nil,
		fmt.Sprintf("path of status / health check endpoint to fake and probe (default %s)", config.DefaultProbePath))
	fs.IntSliceVar(&f.probes.ResponseStatusCodes, "readiness-probe-response-status-code", nil,
		"HTTP response code of the fake status / health check endpoint")
	fs.StringArrayVar(&f.probes.ResponseBodies, "readiness-probe-response-body", nil,
		"string to return in the body of the fake status / health check endpoint")
	fs.IntSliceVarP(&f.probes.RetryDelayMs, "readiness-probe-retry-delay-ms", "d", nil,
		fmt.Sprintf("wait this long between readiness probes (default %d)", config.DefaultProbeRetryDelay.Milliseconds()))
	fs.IntSliceVar(&f.probes.TimeoutMs, "readiness-probe-timeout-ms", nil,
		fmt.Sprintf("consider a readiness probe failed if it takes this long (default %d)", config.DefaultProbeTimeout.Milliseconds()))
	fs.StringVar(&f.targetHost, "target-host", config.DefaultTargetHost, "host the target listens on")
	fs.IntVar(&f.targetPort, "target-port", 0, "start the target on the given port instead of a random port")
	fs.StringVar(&f.targetPortEnvironment, "target-port-environment-variable", "",
		"name of environment variable with the port number passed to the target (defaults to port-environment-variable)")
	fs.StringVar(&f.targetTerminationSignal, "target-termination-signal", config.DefaultTerminationSignal,
		"signal sent to the target to terminate")

	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "console", "log format (console or json)")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 10*time.Second,
		"kill targets that have not stopped this long after a shutdown signal")

	for _, name := range []string{"name", "port", "proxy-incoming-timeout-ms", "proxy-outgoing-timeout-ms",
		"readiness-probe-response-status-code", "readiness-probe-response-body", "readiness-probe-timeout-ms",
		"target-host", "target-port"} {
		_ = fs.MarkHidden(name)
	}
}

// envName is the environment variable that can set flag name.
func envName(name string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// bindEnv sets every flag not given on the command line from its
// environment variable.
func bindEnv(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		value, ok := lookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if serr := fs.Set(f.Name, value); serr != nil {
			err = fmt.Errorf("bad value %q for %s: %w", value, envName(f.Name), serr)
		}
	})
	return err
}

// options converts the flags that were set into config options. Flags left
// at their defaults are unset so they do not override the config file.
func (f *flags) options(fs *pflag.FlagSet, command []string) (config.Options, error) {
	var o config.Options
	if len(command) > 0 {
		o.Command = command
	}
	if fs.Changed("environment") {
		o.Environment = f.environment
	}
	setString := func(name string, dst **string, v string) {
		if fs.Changed(name) {
			*dst = &v
		}
	}
	setInt := func(name string, dst **int, v int) {
		if fs.Changed(name) {
			*dst = &v
		}
	}
	setMillis := func(name string, dst **int64, v int64) {
		if fs.Changed(name) {
			*dst = &v
		}
	}
	setString("host", &o.Host, f.host)
	setString("name", &o.Name, f.name)
	setString("port-environment-variable", &o.PortEnvironmentVariable, f.portEnvironmentVariable)
	setString("target-host", &o.TargetHost, f.targetHost)
	setString("target-port-environment-variable", &o.TargetPortEnvironmentVariable, f.targetPortEnvironment)
	setString("target-termination-signal", &o.TargetTerminationSignal, f.targetTerminationSignal)
	setInt("port", &o.Port, f.port)
	setInt("target-port", &o.TargetPort, f.targetPort)
	setMillis("idle-timeout-ms", &o.IdleTimeoutMs, f.idleTimeoutMs)
	setMillis("proxy-incoming-timeout-ms", &o.ProxyIncomingTimeoutMs, f.incomingTimeoutMs)
	setMillis("proxy-outgoing-timeout-ms", &o.ProxyOutgoingTimeoutMs, f.outgoingTimeoutMs)

	probes, err := f.probes.Expand()
	if err != nil {
		return config.Options{}, err
	}
	o.Probes = probes
	return o, nil
}

// proxies reads the config file, if any, overlays the command line and
// normalizes the result.
func (f *flags) proxies(fs *pflag.FlagSet, command []string, lookupEnv func(string) (string, bool)) ([]config.Proxy, error) {
	var file config.File
	if f.configPath != "" {
		var err error
		if file, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	o, err := f.options(fs, command)
	if err != nil {
		return nil, err
	}
	file.Options = config.Merge(file.Options, o)
	return config.Normalize(file, lookupEnv)
}

func (f *flags) logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(f.logLevel)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	switch f.logFormat {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", f.logFormat)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func run(ctx context.Context, cfgs []config.Proxy, f *flags, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	if err != nil {
		return err
	}

	if f.metricsListen != "" {
		srv := &http.Server{
			Addr:     f.metricsListen,
			Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ErrorLog: zap.NewStdLog(logger.Named("metrics")),
		}
		go func() {
			logger.Info("serving metrics", zap.String("address", f.metricsListen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	group := proxy.NewGroup(cfgs, proxy.Options{
		Logger:   logger,
		OnStdout: func(line string) { fmt.Fprintln(os.Stdout, line) },
		OnStderr: func(line string) { fmt.Fprintln(os.Stderr, line) },
	}, collectors)

	runErr := group.Run(ctx)
	if runErr != nil {
		logger.Error("proxy failed", zap.Error(runErr))
	} else {
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
	defer cancel()
	if err := group.Shutdown(shutdownCtx); err != nil {
		logger.Warn("killed targets that did not stop in time", zap.Error(err))
	}
	return runErr
}
