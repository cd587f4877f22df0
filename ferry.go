package ferry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/FerryTeam/Ferry/pkg/syncmap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Version = "1.0.0"

var UserAgent = fmt.Sprintf("Ferry/%s (https://github.com/FerryTeam/Ferry)", Version)

// Ferry is the library root: it owns configuration and the applications
// built from it. Most bots run a single application; the split exists so
// one process can carry several tokens.
type Ferry struct {
	Logger *slog.Logger

	configProvider ConfigProvider
	Config         *atomic.Pointer[Configuration]

	identifyProvider IdentifyProvider

	Applications *syncmap.Map[string, *Application]

	panicHandler PanicHandler
}

type PanicHandler func(ferry *Ferry, r any)

func NewFerry(logger *slog.Logger, configProvider ConfigProvider) *Ferry {
	return &Ferry{
		Logger: logger,

		configProvider: configProvider,
		Config:         &atomic.Pointer[Configuration]{},

		identifyProvider: NewIdentifyViaBuckets(),

		Applications: &syncmap.Map[string, *Application]{},

		panicHandler: nil,
	}
}

func (ferry *Ferry) WithPanicHandler(panicHandler PanicHandler) *Ferry {
	ferry.panicHandler = panicHandler

	return ferry
}

// WithIdentifyProvider replaces the in-process identify gate, for fleets
// that coordinate identifies across processes.
func (ferry *Ferry) WithIdentifyProvider(identifyProvider IdentifyProvider) *Ferry {
	ferry.identifyProvider = identifyProvider

	return ferry
}

func (ferry *Ferry) WithPrometheusAnalytics(
	server *http.Server,
	registry *prometheus.Registry,
	opts promhttp.HandlerOpts,
) *Ferry {
	var handler http.Handler

	if registry == nil {
		handler = promhttp.Handler()
	} else {
		handler = promhttp.HandlerFor(registry, opts)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server.Handler = mux

	go func() {
		ferry.Logger.Info("Starting Prometheus HTTP server", "host", server.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ferry.Logger.Error("Prometheus HTTP server failed", "error", err)
		}
	}()

	return ferry
}

func (ferry *Ferry) Start(ctx context.Context) error {
	ferry.Logger.Info("Starting Ferry")

	if err := ferry.getConfig(ctx); err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	ferry.startApplications(ctx)

	return nil
}

func (ferry *Ferry) Stop(ctx context.Context) {
	ferry.Logger.Info("Stopping Ferry")

	ferry.Applications.Range(func(_ string, application *Application) bool {
		_ = application.Stop(ctx)

		return true
	})
}

func (ferry *Ferry) getConfig(ctx context.Context) error {
	config, err := ferry.configProvider.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	if config.Ferry == nil {
		config.Ferry = &NodeConfiguration{}
	}

	ferry.Config.Store(config)

	// Update running application configurations
	for _, applicationConfig := range config.Applications {
		if application, ok := ferry.Applications.Load(applicationConfig.ApplicationIdentifier); ok {
			application.Configuration.Store(applicationConfig)

			ferry.Logger.Info("Updated application configuration", "application_identifier", applicationConfig.ApplicationIdentifier)
		}
	}

	return nil
}

// startApplications starts all applications.
func (ferry *Ferry) startApplications(ctx context.Context) {
	applications := ferry.Config.Load().Applications

	for _, applicationConfig := range applications {
		if err := ferry.validateApplicationConfig(applicationConfig); err != nil {
			ferry.Logger.Error("Failed to validate application config", "error", err)

			continue
		}

		application := NewApplication(ferry, applicationConfig)
		ferry.Applications.Store(applicationConfig.ApplicationIdentifier, application)

		if err := application.Initialize(ctx); err != nil {
			ferry.Logger.Error("Failed to initialize application", "error", err)

			application.SetStatus(ApplicationStatusFailed)

			continue
		}

		if application.Configuration.Load().AutoStart {
			go func(application *Application) {
				if err := application.Start(ctx); err != nil {
					application.Logger.Error("Failed to start application", "error", err)
				}
			}(application)
		}
	}
}

// validateApplicationConfig validates an application configuration.
func (ferry *Ferry) validateApplicationConfig(applicationConfig *ApplicationConfiguration) error {
	if applicationConfig.ApplicationIdentifier == "" {
		return ErrApplicationMissingIdentifier
	}

	if applicationConfig.BotToken.IsZero() {
		return ErrApplicationMissingBotToken
	}

	if _, ok := ferry.Applications.Load(applicationConfig.ApplicationIdentifier); ok {
		return ErrApplicationIdentifierExists
	}

	return nil
}
