/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	crwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/kube-freezer/kube-freezer/internal/api"
	"github.com/kube-freezer/kube-freezer/internal/config"
	"github.com/kube-freezer/kube-freezer/internal/controller"
	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/notify"
	"github.com/kube-freezer/kube-freezer/internal/policy"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
	"github.com/kube-freezer/kube-freezer/internal/scheduler"
	"github.com/kube-freezer/kube-freezer/internal/store"
	"github.com/kube-freezer/kube-freezer/internal/webhook"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

// nolint:gocyclo
func main() {
	// Set up pflags
	flags := pflag.NewFlagSet("kube-freezer", pflag.ExitOnError)
	config.BindFlags(flags)

	// Parse flags
	if err := flags.Parse(os.Args[1:]); err != nil {
		setupLog.Error(err, "failed to parse flags")
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		setupLog.Error(err, "failed to load configuration")
		os.Exit(1)
	}

	// Set up zerolog with configured log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	logger := zerologr.New(&zl)
	ctrl.SetLogger(logger)

	// Re-initialize setupLog with the configured logger
	setupLog = ctrl.Log.WithName("setup")
	if cfg.ConfigFileUsed() != "" {
		setupLog.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "level", cfg.LogLevel)
	} else {
		setupLog.Info("no config file found, using defaults and flags", "level", cfg.LogLevel)
	}

	// TLS options
	var tlsOpts []func(*tls.Config)

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	if !cfg.Webhook.EnableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	// Create watchers for metrics and webhooks certificates
	var metricsCertWatcher, webhookCertWatcher *certwatcher.CertWatcher

	// Initial webhook TLS options
	webhookTLSOpts := tlsOpts

	if len(cfg.Webhook.CertPath) > 0 {
		setupLog.Info("Initializing webhook certificate watcher using provided certificates",
			"webhook-cert-path", cfg.Webhook.CertPath,
			"webhook-cert-name", cfg.Webhook.CertName,
			"webhook-cert-key", cfg.Webhook.CertKey)

		var err error
		webhookCertWatcher, err = certwatcher.New(
			filepath.Join(cfg.Webhook.CertPath, cfg.Webhook.CertName),
			filepath.Join(cfg.Webhook.CertPath, cfg.Webhook.CertKey),
		)
		if err != nil {
			setupLog.Error(err, "Failed to initialize webhook certificate watcher")
			os.Exit(1)
		}

		webhookTLSOpts = append(webhookTLSOpts, func(config *tls.Config) {
			config.GetCertificate = webhookCertWatcher.GetCertificate
		})
	}

	webhookServer := crwebhook.NewServer(crwebhook.Options{
		Port:    cfg.Webhook.Port,
		TLSOpts: webhookTLSOpts,
	})

	// Metrics endpoint is enabled in 'config/default/kustomization.yaml'. The Metrics options configure the server.
	// More info:
	// - https://pkg.go.dev/sigs.k8s.io/controller-runtime@v0.21.0/pkg/metrics/server
	// - https://book.kubebuilder.io/reference/metrics.html
	metricsServerOptions := metricsserver.Options{
		BindAddress:   cfg.Metrics.BindAddress,
		SecureServing: cfg.Metrics.Secure,
		TLSOpts:       tlsOpts,
	}

	if cfg.Metrics.Secure {
		// FilterProvider is used to protect the metrics endpoint with authn/authz.
		// These configurations ensure that only authorized users and service accounts
		// can access the metrics endpoint. The RBAC are configured in 'config/rbac/kustomization.yaml'. More info:
		// https://pkg.go.dev/sigs.k8s.io/controller-runtime@v0.21.0/pkg/metrics/filters#WithAuthenticationAndAuthorization
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	// If the certificate is not specified, controller-runtime will automatically
	// generate self-signed certificates for the metrics server. While convenient for development and testing,
	// this setup is not recommended for production.
	if len(cfg.Metrics.CertPath) > 0 {
		setupLog.Info("Initializing metrics certificate watcher using provided certificates",
			"metrics-cert-path", cfg.Metrics.CertPath,
			"metrics-cert-name", cfg.Metrics.CertName,
			"metrics-cert-key", cfg.Metrics.CertKey)

		var err error
		metricsCertWatcher, err = certwatcher.New(
			filepath.Join(cfg.Metrics.CertPath, cfg.Metrics.CertName),
			filepath.Join(cfg.Metrics.CertPath, cfg.Metrics.CertKey),
		)
		if err != nil {
			setupLog.Error(err, "to initialize metrics certificate watcher", "error", err)
			os.Exit(1)
		}

		metricsServerOptions.TLSOpts = append(metricsServerOptions.TLSOpts, func(config *tls.Config) {
			config.GetCertificate = metricsCertWatcher.GetCertificate
		})
	}

	mgrOptions := ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: cfg.Probes.BindAddress,
		LeaderElection:         cfg.LeaderElection.Enabled,
		LeaderElectionID:       "8f41c2da.kube-freezer.io",
		// LeaderElectionReleaseOnCancel defines if the leader should step down voluntarily
		// when the Manager ends. This requires the binary to immediately end when the
		// Manager is stopped, otherwise, this setting is unsafe. Setting this significantly
		// speeds up voluntary leader transitions as the new leader don't have to wait
		// LeaseDuration time first.
		//
		// In the default scaffold provided, the program ends immediately after
		// the manager stops, so would be fine to enable this option. However,
		// if you are doing or is intended to do any operation such as perform cleanups
		// after the manager stops then its usage might be unsafe.
		// LeaderElectionReleaseOnCancel: true,
	}
	if cfg.LeaderElection.Enabled {
		mgrOptions.LeaseDuration = &cfg.LeaderElection.LeaseDuration
		mgrOptions.RenewDeadline = &cfg.LeaderElection.RenewDeadline
		mgrOptions.RetryPeriod = &cfg.LeaderElection.RetryPeriod
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	// Initialize the durable event archive. The API reader works before the
	// manager starts, so Secret-held database credentials resolve here.
	archive, err := store.BuildArchive(context.Background(), mgr.GetAPIReader(), cfg.Storage)
	if err != nil {
		setupLog.Error(err, "unable to create event archive")
		os.Exit(1)
	}

	if err := archive.Init(); err != nil {
		setupLog.Error(err, "unable to initialize event archive")
		os.Exit(1)
	}
	defer func() { _ = archive.Close() }()
	setupLog.Info("initialized event archive", "type", cfg.Storage.Type)

	// In-memory event ring; every recorded event is also archived.
	recorder := history.NewRecorder(cfg.History.Capacity, clock.RealClock{})
	recorder.AddSink(store.NewEventSink(archive, ctrl.Log.WithName("archive-sink")))

	// Exemption store, restored from the archive so replicas pick up
	// exemptions granted before a restart.
	exemptions := exemption.NewStore(exemption.StoreOptions{
		Persister: archive,
		Log:       ctrl.Log.WithName("exemptions"),
	})
	persisted, err := archive.ListActiveExemptions(context.Background(), time.Now())
	if err != nil {
		setupLog.Error(err, "unable to load persisted exemptions")
	} else if n := exemptions.Hydrate(persisted); n > 0 {
		setupLog.Info("restored exemptions from archive", "count", n)
	}

	// Shared policy state and the evaluator that decides admissions
	engine := schedule.NewEngine()
	cache := policy.NewCache(nil)
	evaluator := policy.NewEvaluator(policy.EvaluatorOptions{
		Cache:      cache,
		Schedules:  engine,
		Exemptions: exemptions,
		History:    recorder,
		Log:        ctrl.Log.WithName("evaluator"),
	})

	reconciler := &controller.PolicyReconciler{
		Client:                 mgr.GetClient(),
		Scheme:                 mgr.GetScheme(),
		Namespace:              cfg.Policy.Namespace,
		ConfigMapName:          cfg.Policy.ConfigMapName,
		SchedulesConfigMapName: cfg.Policy.SchedulesConfigMapName,
		Cache:                  cache,
		Engine:                 engine,
		Recorder:               recorder,
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Policy")
		os.Exit(1)
	}

	// Loads policy, schedules, and persisted history before the webhook
	// and readiness probe report ready.
	loader := &controller.InitialLoader{
		Reader:                 mgr.GetAPIReader(),
		Reconciler:             reconciler,
		Recorder:               recorder,
		Log:                    ctrl.Log.WithName("initial-loader"),
		Namespace:              cfg.Policy.Namespace,
		ConfigMapName:          cfg.Policy.ConfigMapName,
		SchedulesConfigMapName: cfg.Policy.SchedulesConfigMapName,
		HistoryConfigMapName:   cfg.Policy.HistoryConfigMapName,
	}
	if err := mgr.Add(loader); err != nil {
		setupLog.Error(err, "unable to add initial loader to manager")
		os.Exit(1)
	}

	(&webhook.Handler{
		Evaluator: evaluator,
		Log:       ctrl.Log.WithName("webhook"),
		Ready:     loader.Ready,
		Timeout:   cfg.Policy.EvaluationTimeout,
	}).SetupWithManager(mgr)
	setupLog.Info("registered admission handler", "path", webhook.Path,
		"evaluationTimeout", cfg.Policy.EvaluationTimeout)

	// Notification dispatcher, fed from the event ring
	if cfg.Notifications.Enabled {
		channels, err := notify.BuildChannels(mgr.GetClient(), cfg.Policy.Namespace, cfg.Notifications.Channels)
		if err != nil {
			setupLog.Error(err, "unable to build notification channels")
			os.Exit(1)
		}
		dispatcher := notify.NewDispatcher(notify.DispatcherOptions{
			Channels:     channels,
			MaxPerMinute: cfg.Notifications.MaxPerMinute,
			Burst:        cfg.Notifications.Burst,
			Log:          ctrl.Log.WithName("notify"),
		})
		recorder.AddSink(dispatcher.Sink())
		if err := mgr.Add(dispatcher); err != nil {
			setupLog.Error(err, "unable to add notification dispatcher to manager")
			os.Exit(1)
		}
		setupLog.Info("initialized notification dispatcher", "channels", len(channels))
	}

	// Periodic housekeeping
	sweeper := scheduler.NewExemptionSweeper(exemptions, cfg.Exemptions.SweepInterval)
	if err := mgr.Add(sweeper); err != nil {
		setupLog.Error(err, "unable to add exemption sweeper to manager")
		os.Exit(1)
	}

	if cfg.History.FlushEnabled {
		flusher := scheduler.NewHistoryFlusher(mgr.GetClient(), recorder,
			cfg.Policy.Namespace, cfg.Policy.HistoryConfigMapName, cfg.History.FlushInterval)
		if err := mgr.Add(flusher); err != nil {
			setupLog.Error(err, "unable to add history flusher to manager")
			os.Exit(1)
		}
		setupLog.Info("initialized history flusher",
			"configMap", cfg.Policy.HistoryConfigMapName, "interval", cfg.History.FlushInterval)
	}

	pruner := scheduler.NewArchivePruner(archive, cfg.History.RetentionDays, cfg.History.PruneInterval)
	if err := mgr.Add(pruner); err != nil {
		setupLog.Error(err, "unable to add archive pruner to manager")
		os.Exit(1)
	}
	setupLog.Info("initialized archive pruner",
		"retentionDays", cfg.History.RetentionDays, "interval", cfg.History.PruneInterval)

	monitor := scheduler.NewFreezeMonitor(cache, engine, exemptions)
	if err := mgr.Add(monitor); err != nil {
		setupLog.Error(err, "unable to add freeze monitor to manager")
		os.Exit(1)
	}

	// +kubebuilder:scaffold:builder

	if metricsCertWatcher != nil {
		setupLog.Info("Adding metrics certificate watcher to manager")
		if err := mgr.Add(metricsCertWatcher); err != nil {
			setupLog.Error(err, "unable to add metrics certificate watcher to manager")
			os.Exit(1)
		}
	}

	if webhookCertWatcher != nil {
		setupLog.Info("Adding webhook certificate watcher to manager")
		if err := mgr.Add(webhookCertWatcher); err != nil {
			setupLog.Error(err, "unable to add webhook certificate watcher to manager")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	// Readiness follows the initial policy load so no traffic reaches the
	// webhook before the freeze rules are in place.
	if err := mgr.AddReadyzCheck("readyz", loader.ReadyCheck); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	// REST management API
	if cfg.API.Enabled {
		clientset, err := kubernetes.NewForConfig(ctrl.GetConfigOrDie())
		if err != nil {
			setupLog.Error(err, "unable to create clientset")
			os.Exit(1)
		}

		apiServer := api.NewServer(api.ServerOptions{
			Client:                 mgr.GetClient(),
			Clientset:              clientset,
			Cache:                  cache,
			Engine:                 engine,
			Exemptions:             exemptions,
			Recorder:               recorder,
			Archive:                archive,
			Evaluator:              evaluator,
			Applier:                reconciler,
			Ready:                  loader.Ready,
			Port:                   cfg.API.Port,
			AuthMode:               cfg.API.AuthMode,
			RateLimitRPS:           cfg.API.RateLimitRPS,
			RateLimitBurst:         cfg.API.RateLimitBurst,
			Namespace:              cfg.Policy.Namespace,
			ConfigMapName:          cfg.Policy.ConfigMapName,
			SchedulesConfigMapName: cfg.Policy.SchedulesConfigMapName,
		})

		// Add API server to manager
		if err := mgr.Add(apiServer); err != nil {
			setupLog.Error(err, "unable to add API server to manager")
			os.Exit(1)
		}
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
