package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/xdavidwu/sparkles-sub000/pkg/appconfig"
	"github.com/xdavidwu/sparkles-sub000/pkg/engine"
	"github.com/xdavidwu/sparkles-sub000/pkg/kubeconfig"
)

type app struct {
	kubeconfig  string
	context     string
	configPath  string
	metricsAddr string
	debug       bool

	cfg     *appconfig.Config
	pool    *engine.Pool
	metrics *http.Server
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "sparkles",
		Short:         "Inspect a Kubernetes cluster through one cached session",
		Long:          "sparkles connects to a kubeconfig context and answers discovery, namespace, and permission questions from a single session with shared caches.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetVersionTemplate(fmt.Sprintf("sparkles {{.Version}} (commit %s, built %s)\n", commit, date))

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.kubeconfig, "kubeconfig", "", "path to the kubeconfig file")
	flags.StringVar(&a.context, "context", "", "kubeconfig context to use")
	flags.StringVar(&a.configPath, "config", "", "path to the sparkles config (default ~/.sparkles/config.yaml)")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&a.debug, "debug", false, "development logging")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return a.setup()
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return a.teardown()
	}

	cmd.AddCommand(
		newVersionCmd(a),
		newAPIResourcesCmd(a),
		newNamespacesCmd(a),
		newCanICmd(a),
		newContextsCmd(a),
	)
	return cmd
}

func (a *app) setup() error {
	cfg, err := appconfig.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	logger := zap.New(zap.UseDevMode(a.debug), zap.WriteTo(a.stderr), zap.Level(zapLevel(cfg.Log.Verbosity)))
	ctrl.SetLogger(logger)
	klog.SetLogger(logger)

	impersonate := kubeconfig.Impersonation{
		User:   cfg.Kubernetes.Impersonate.User,
		Groups: cfg.Kubernetes.Impersonate.Groups,
	}
	a.pool = engine.NewPool(cfg.Kubernetes.Clusters.TTL.Duration, engine.FromKubeconfig(impersonate,
		engine.WithLogger(logger.WithName("engine")),
		engine.WithWatchBookmarks(cfg.Watch.AllowBookmarks),
		engine.WithDiscoveryTimeout(cfg.Discovery.Timeout.Duration),
	))
	a.pool.Start()

	if a.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ctrl.Log.WithName("metrics").Error(err, "metrics server failed", "addr", a.metricsAddr)
			}
		}()
	}
	return nil
}

func (a *app) teardown() error {
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.metrics.Shutdown(ctx)
}

// engine holds the session for the selected context until release is
// called. Sessions live in a pool closed on teardown.
func (a *app) engine() (*engine.Engine, func(), error) {
	return a.pool.Acquire(engine.Key{KubeconfigPath: a.kubeconfig, ContextName: a.context})
}

// zapLevel maps a klog-style verbosity to the zap level logr uses for it.
func zapLevel(verbosity int) zapcore.Level {
	if verbosity < 0 {
		verbosity = 0
	}
	return zapcore.Level(-verbosity)
}
