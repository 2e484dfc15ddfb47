// Command operator runs the smart autoscaler's ticker-driven control loop
// and its read-only HTTP API. Exit codes follow spec.md §6: 0 on clean
// shutdown, 1 on fatal configuration error, 2 on irrecoverable store
// failure.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/smart-autoscaler/operator/internal/clock"
	"github.com/smart-autoscaler/operator/internal/collector"
	"github.com/smart-autoscaler/operator/internal/config"
	"github.com/smart-autoscaler/operator/internal/controlplane"
	"github.com/smart-autoscaler/operator/internal/k8sactuator"
	"github.com/smart-autoscaler/operator/internal/logger"
	"github.com/smart-autoscaler/operator/internal/netguard"
	"github.com/smart-autoscaler/operator/internal/notify"
	"github.com/smart-autoscaler/operator/internal/promclient"
	"github.com/smart-autoscaler/operator/internal/readapi"
	"github.com/smart-autoscaler/operator/internal/store"
)

const (
	exitOK            = 0
	exitConfigError   = 1
	exitStoreFailure  = 2
	notifyRatePerSec  = 2.0
	notifyFailureOpen = 3
	notifyOpenFor     = 30 * time.Second
)

func main() {
	var configPath string
	var dryRun bool
	var devLogs bool
	var checkInterval time.Duration
	var printConfig bool

	root := &cobra.Command{
		Use:   "operator",
		Short: "Runs the smart autoscaler control loop and its read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, dryRun, devLogs, checkInterval, printConfig)
		},
		SilenceUsage: true,
	}
	var flags *pflag.FlagSet = root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file (SAO_ env vars take precedence over it)")
	flags.BoolVar(&dryRun, "dry-run", false, "log every actuator change instead of applying it")
	flags.BoolVar(&devLogs, "dev", false, "use zap's human-readable development log encoder")
	flags.DurationVar(&checkInterval, "check-interval", 0, "override the configured control loop cadence (e.g. 15s)")
	flags.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")

	if err := root.Execute(); err != nil {
		if _, ok := err.(*configError); ok {
			os.Exit(exitConfigError)
		}
		if _, ok := err.(*storeError); ok {
			os.Exit(exitStoreFailure)
		}
		os.Exit(exitConfigError)
	}
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func run(configPath string, dryRunFlag, devLogsFlag bool, checkIntervalFlag time.Duration, printConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{fmt.Errorf("load config: %w", err)}
	}
	if dryRunFlag {
		cfg.DryRun = true
	}
	if devLogsFlag {
		cfg.DevLogs = true
	}
	if checkIntervalFlag > 0 {
		cfg.CheckInterval = checkIntervalFlag
	}
	if err := cfg.Validate(); err != nil {
		return &configError{fmt.Errorf("invalid config: %w", err)}
	}

	if printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return &configError{fmt.Errorf("marshal config: %w", err)}
		}
		fmt.Print(string(out))
		return nil
	}

	log := logger.New(cfg.DevLogs)
	log = logger.ForComponent(log, "operator")

	st, err := store.Open(cfg.StorePath, log)
	if err != nil {
		return &storeError{fmt.Errorf("open store: %w", err)}
	}
	defer st.Close()

	k8sClient, err := client.New(ctrl.GetConfigOrDie(), client.Options{Scheme: scheme.Scheme})
	if err != nil {
		return &configError{fmt.Errorf("build kubernetes client: %w", err)}
	}

	clk := clock.Real{}
	rnd := clock.RealRand{}

	promGuard := netguard.New("promclient", cfg.PromRateLimit, 5, 30*time.Second, cfg.PromTimeout, clk)
	k8sGuard := netguard.New("k8sactuator", cfg.K8sRateLimit, 5, 30*time.Second, cfg.K8sTimeout, clk)
	notifyGuard := netguard.New("notify", notifyRatePerSec, notifyFailureOpen, notifyOpenFor, 10*time.Second, clk)

	promClient, err := promclient.New(cfg, promGuard, logger.ForComponent(log, "promclient"))
	if err != nil {
		return &configError{fmt.Errorf("build prometheus client: %w", err)}
	}

	actuator := k8sactuator.New(k8sClient, k8sGuard, cfg.DryRun, log)
	coll := collector.New(promClient, actuator, st, log)
	notifier := notify.New(notifyGuard)

	cp := controlplane.New(cfg, clk, rnd, st, coll, actuator, notifier, log)
	cp.SetWorkloads(controlplane.MergeWorkloads(cfg.Workloads, nil))

	api := readapi.New(cfg.ReadAPIAddr, cp, logger.ForComponent(log, "readapi"))

	ctx := ctrl.SetupSignalHandler()

	errCh := make(chan error, 2)
	go func() { errCh <- cp.Run(ctx) }()
	go func() { errCh <- api.Run(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		log.Error(firstErr, "operator stopped with error")
		return &storeError{firstErr}
	}
	log.Info("operator stopped cleanly")
	return nil
}
