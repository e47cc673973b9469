// Package cli is the naivepay command-line shell: it wires configuration, storage, the
// device identity, the API client, telemetry and the session manager, and drives them
// from cobra commands and an interactive prompt.
package cli

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/config"
	"naive-pay/client/internal/device"
	"naive-pay/client/internal/log"
	"naive-pay/client/internal/session"
	"naive-pay/client/internal/storage"
	"naive-pay/client/internal/telemetry"
	"naive-pay/client/internal/telemetry/loki"
	otelsetup "naive-pay/client/internal/telemetry/otel"
	"naive-pay/client/internal/telemetry/producer"
)

// Version is reported as the OTel service version and by --version.
var Version = "dev"

const serviceName = "naivepay-cli"

// App is one running client ("tab") and everything it owns.
type App struct {
	Config   *config.Config
	Device   *device.Provider
	Client   *api.Client
	Manager  *session.Manager
	Emitter  telemetry.EventEmitter
	Warnings <-chan session.WarningState

	tab       *storage.FileStore
	providers *otelsetup.Providers
	kafka     producer.Producer
	drain     bool
}

// NewApp builds the client for cfg. Call Close when done.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	profile, err := storage.NewFileStore(cfg.ProfileDir())
	if err != nil {
		return nil, err
	}
	dev := device.NewProvider(profile, device.WithUserAgent(cfg.DeviceUserAgent))

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}
	providers.SetGlobal()

	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}

	a := &App{Config: cfg, Device: dev, providers: providers}
	emitters := []telemetry.EventEmitter{otelsetup.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		a.kafka = kp
		emitters = append(emitters, kp)
	}
	if lc := loki.NewClient(cfg.LokiURL); lc != nil {
		emitters = append(emitters, lc)
	}
	a.Emitter = telemetry.FanOut(emitters...)
	a.drain = cfg.OTLPEndpoint != "" || a.kafka != nil || cfg.LokiURL != ""

	a.tab, err = storage.NewTabStore(cfg.TabsDir())
	if err != nil {
		a.shutdownTelemetry(ctx)
		return nil, err
	}

	a.Client = api.New(api.Options{BaseURL: cfg.APIURL, Timeout: cfg.Timeout(), Device: dev})

	warnings := make(chan session.WarningState, 16)
	a.Warnings = warnings
	a.Manager, err = session.NewManager(session.Options{
		Backend:          a.Client,
		Authorizer:       a.Client.Interceptor(),
		Store:            a.tab,
		WatchDir:         a.tab.Dir(),
		Fingerprint:      dev.Fingerprint,
		PollInterval:     cfg.PollInterval(),
		WarningThreshold: cfg.WarningThreshold(),
		WatchInterval:    cfg.WatchInterval(),
		MaxLoginAttempts: cfg.MaxLoginAttempts,
		Emitter:          a.Emitter,
		Metrics:          metrics,
		OnWarning: func(w session.WarningState) {
			select {
			case warnings <- w:
			default:
			}
		},
	})
	if err != nil {
		_ = a.tab.Destroy()
		a.shutdownTelemetry(ctx)
		return nil, err
	}
	return a, nil
}

// TabID identifies this client's tab store in logs.
func (a *App) TabID() string { return filepath.Base(a.tab.Dir()) }

// Close stops the session, removes the tab store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.Manager.Close()
	err := a.tab.Destroy()
	if a.drain {
		// let in-flight async emits finish before the exporters go away
		select {
		case <-time.After(telemetry.ShutdownDrainDuration):
		case <-ctx.Done():
		}
	}
	return errors.Join(err, a.shutdownTelemetry(ctx))
}

func (a *App) shutdownTelemetry(ctx context.Context) error {
	var errs []error
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.providers.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn(ctx).Err(err).Msg("cli: telemetry shutdown")
		return err
	}
	return nil
}
