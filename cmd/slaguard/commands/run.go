package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	prometheusmodel "github.com/prometheus/common/model"
	"github.com/slok/reload"

	"github.com/slaguard/slaguard/internal/analyze"
	"github.com/slaguard/slaguard/internal/app/track"
	"github.com/slaguard/slaguard/internal/breach"
	apperrors "github.com/slaguard/slaguard/internal/errors"
	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/measure"
	metricsprometheus "github.com/slaguard/slaguard/internal/metrics/prometheus"
	"github.com/slaguard/slaguard/internal/model"
	"github.com/slaguard/slaguard/internal/notify"
	"github.com/slaguard/slaguard/internal/score"
	storageio "github.com/slaguard/slaguard/internal/storage/io"
	"github.com/slaguard/slaguard/internal/storage/memory"
)

type runCommand struct {
	slasInput               string
	slasExcludeRegex        string
	slasIncludeRegex        string
	defaultRetention        string
	metricsPath             string
	metricsListenAddr       string
	hotReloadPath           string
	hotReloadAddr           string
	simJitter               float64
	simSeed                 int64
	disableAutoEscalate     bool
	notificationRecipients  []string
	notificationMaxAttempts int
	notificationRetryDelay  time.Duration
	notificationQueueBuffer int
}

// NewRunCommand returns the run command.
func NewRunCommand(app *kingpin.Application) Command {
	c := &runCommand{}
	cmd := app.Command("run", "Runs the SLA tracking service.")

	cmd.Flag("input", "SLA definition discovery path, will discover recursively all YAML files.").Short('i').Required().StringVar(&c.slasInput)
	cmd.Flag("fs-exclude", "Filter regex to ignore matched discovered SLA file paths.").Short('e').StringVar(&c.slasExcludeRegex)
	cmd.Flag("fs-include", "Filter regex to include matched discovered SLA file paths, everything else will be ignored. Exclude has preference.").Short('n').StringVar(&c.slasIncludeRegex)
	cmd.Flag("default-retention", "Raw measurement retention for SLAs without an explicit one.").Default("7d").StringVar(&c.defaultRetention)
	cmd.Flag("metrics-path", "The path for Prometheus metrics.").Default("/metrics").StringVar(&c.metricsPath)
	cmd.Flag("metrics-listen-addr", "The listen address for Prometheus metrics and pprof.").Default(":8081").StringVar(&c.metricsListenAddr)
	cmd.Flag("hot-reload-addr", "The listen address for hot-reloading components that allow it.").Default(":8082").StringVar(&c.hotReloadAddr)
	cmd.Flag("hot-reload-path", "The webhook path for hot-reloading components that allow it.").Default("/-/reload").StringVar(&c.hotReloadPath)
	cmd.Flag("sim-jitter", "Max relative deviation of the simulated data source.").Default("0.02").Float64Var(&c.simJitter)
	cmd.Flag("sim-seed", "Seed of the simulated data source, 0 means non-deterministic.").Default("0").Int64Var(&c.simSeed)
	cmd.Flag("disable-auto-escalate", "Disables the escalation timeout check on active breaches.").BoolVar(&c.disableAutoEscalate)
	cmd.Flag("notification-recipient", "Default recipient of breach notifications (can be repeated).").StringsVar(&c.notificationRecipients)
	cmd.Flag("notification-max-attempts", "Delivery attempts per notification.").Default("3").IntVar(&c.notificationMaxAttempts)
	cmd.Flag("notification-retry-delay", "Base delay of the linear delivery backoff.").Default("5s").DurationVar(&c.notificationRetryDelay)
	cmd.Flag("notification-queue-buffer", "Capacity of the notification queue, a full queue drops intents.").Default("256").IntVar(&c.notificationQueueBuffer)

	return c
}

func (r runCommand) Name() string { return "run" }
func (r runCommand) Run(ctx context.Context, config RootConfig) error {
	logger := config.Logger

	// Retention.
	rt, err := prometheusmodel.ParseDuration(r.defaultRetention)
	if err != nil {
		return fmt.Errorf("invalid default retention duration: %w", err)
	}
	defaultRetention := time.Duration(rt)

	// Set up files discovery filter regex.
	excludeRegex, includeRegex, err := compileFilterRegexes(r.slasExcludeRegex, r.slasIncludeRegex)
	if err != nil {
		return err
	}

	// Metrics.
	recorder := metricsprometheus.NewRecorder(prometheus.DefaultRegisterer)

	// Domain event dispatcher. Events end in the logs, external consumers
	// plug in here.
	dispatcher := model.DispatcherFunc(func(event model.Event) {
		logger.WithValues(log.Kv{"event": event.Kind()}).Debugf("Domain event dispatched")
	})

	// Notification delivery over the logger, real transports plug in here.
	deliverer := notify.DelivererFunc(func(ctx context.Context, intent model.NotificationIntent) error {
		logger.WithValues(log.Kv{
			"sla":        intent.SLAID,
			"channel":    intent.Channel,
			"recipients": intent.Recipients,
		}).Infof("%s", intent.Subject)
		return nil
	})

	queue, err := notify.NewQueue(notify.QueueConfig{
		Deliverer:   deliverer,
		Recorder:    recorder,
		BufferSize:  r.notificationQueueBuffer,
		MaxAttempts: r.notificationMaxAttempts,
		RetryDelay:  r.notificationRetryDelay,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create notification queue: %w", err)
	}

	// Storage.
	slaRepo := memory.NewSLARepository()
	measRepo := memory.NewMeasurementRepository()
	breachRepo := memory.NewBreachRepository()

	// Domain services.
	calculator, err := measure.NewCalculator(measure.CalculatorConfig{
		Measurements: measRepo,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create metric calculator: %w", err)
	}

	detector, err := breach.NewDetector(breach.DetectorConfig{
		Repository:        breachRepo,
		Measurements:      measRepo,
		Dispatcher:        dispatcher,
		Notifier:          queue,
		AutoEscalate:      !r.disableAutoEscalate,
		DefaultRecipients: r.notificationRecipients,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create breach detector: %w", err)
	}

	scorer, err := score.NewScorer(score.ScorerConfig{
		SLAs:         slaRepo,
		Calculator:   calculator,
		Measurements: measRepo,
		Breaches:     breachRepo,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create compliance scorer: %w", err)
	}

	analyzer, err := analyze.NewAnalyzer(analyze.AnalyzerConfig{
		Measurements: measRepo,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create historical analyzer: %w", err)
	}

	service, err := track.NewService(track.ServiceConfig{
		SLAs:             slaRepo,
		Measurements:     measRepo,
		Calculator:       calculator,
		Detector:         detector,
		Scorer:           scorer,
		Analyzer:         analyzer,
		Source:           track.NewSimulatedSource(r.simJitter, r.simSeed),
		Dispatcher:       dispatcher,
		Metrics:          recorder,
		DefaultRetention: defaultRetention,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("could not create tracking service: %w", err)
	}

	// Load the initial SLA definitions. This is a hard dependency, if we
	// can't, we must fail.
	loader := storageio.NewSlaguardYAMLLoader()
	registered, err := r.applyDefinitions(ctx, logger, loader, service, excludeRegex, includeRegex)
	if err != nil {
		return fmt.Errorf("could not load SLA definitions: %w", err)
	}
	logger.WithValues(log.Kv{"slas": registered}).Infof("SLA definitions loaded")

	// Prepare our run and reload entrypoints.
	var g run.Group
	reloadManager := reload.NewManager()

	// Run hot-reload.
	{
		// Set SLA definitions reloader.
		reloadManager.Add(1000, reload.ReloaderFunc(func(ctx context.Context, id string) error {
			registered, err := r.applyDefinitions(ctx, logger, loader, service, excludeRegex, includeRegex)
			if err != nil {
				return fmt.Errorf("could not reload SLA definitions: %w", err)
			}
			logger.WithValues(log.Kv{"slas": registered}).Infof("SLA definitions reloaded")
			return nil
		}))

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.Infof("Hot-reload manager running")
				defer logger.Infof("Hot-reload manager stopped")
				return reloadManager.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// OS signals.
	{
		sigC := make(chan os.Signal, 1)
		reloadC := make(chan struct{})
		exitC := make(chan struct{})
		signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

		// Add hot-reload notifier for SIGHUP.
		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			<-reloadC
			logger.Infof("Hot-reload triggered from OS SIGHUP signal")
			return "sighup", nil
		}))

		g.Add(
			func() error {
				logger.Infof("OS signals listener started")
				defer logger.Infof("OS signals listener stopped")
				for {
					select {
					case s := <-sigC:
						logger.Infof("Signal %s received", s)
						// Don't stop if SIGHUP, only reload.
						if s == syscall.SIGHUP {
							reloadC <- struct{}{}
							continue
						}

						return nil
					case <-exitC:
						return nil
					}
				}
			},
			func(_ error) {
				close(exitC)
			},
		)
	}

	// Hot-reloading HTTP server.
	{
		// Set reloader signaler.
		hotReloadC := make(chan struct{})
		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			<-hotReloadC
			logger.Infof("Hot-reload triggered from http webhook")
			return "http", nil
		}))

		mux := http.NewServeMux()

		// On request send signal for reload over the channel.
		mux.Handle(r.hotReloadPath, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			hotReloadC <- struct{}{}
		}))

		server := &http.Server{
			Addr:    r.hotReloadAddr,
			Handler: mux,
		}

		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": r.hotReloadAddr}).Infof("Hot-reload http server listening")
				defer logger.WithValues(log.Kv{"addr": r.hotReloadAddr}).Infof("Hot-reload http server stopped")
				return server.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					logger.Errorf("Error shutting down hot-reload server: %s", err)
				}
			},
		)
	}

	// Serving HTTP server.
	{
		mux := http.NewServeMux()

		// Metrics.
		mux.Handle(r.metricsPath, promhttp.Handler())

		// Pprof.
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server := &http.Server{
			Addr:    r.metricsListenAddr,
			Handler: mux,
		}

		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": r.metricsListenAddr}).Infof("Metrics http server listening")
				defer logger.WithValues(log.Kv{"addr": r.metricsListenAddr}).Infof("Metrics http server stopped")
				return server.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					logger.Errorf("Error shutting down metrics server: %s", err)
				}
			},
		)
	}

	// Notification queue.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.Infof("Notification queue running")
				defer logger.Infof("Notification queue stopped")
				return queue.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Main tracking service.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.Infof("SLA tracking service running")
				defer logger.Infof("SLA tracking service stopped")
				return service.Run(ctx)
			},
			func(_ error) {
				service.Shutdown()
				cancel()
			},
		)
	}

	return g.Run()
}

// applyDefinitions discovers the SLA definition files and registers (or
// updates) every definition on the tracking service.
func (r runCommand) applyDefinitions(ctx context.Context, logger log.Logger, loader storageio.SlaguardYAMLLoader, service *track.Service, exclude, include *regexp.Regexp) (int, error) {
	slaPaths, err := discoverSLAManifests(logger, exclude, include, r.slasInput)
	if err != nil {
		return 0, fmt.Errorf("could not discover files: %w", err)
	}
	if len(slaPaths) == 0 {
		return 0, fmt.Errorf("0 SLA definition files have been discovered")
	}

	applied := 0
	for _, input := range slaPaths {
		slaData, err := os.ReadFile(input)
		if err != nil {
			return 0, fmt.Errorf("could not read SLA definition file data: %w", err)
		}

		defs, err := loader.LoadDefinitions(ctx, slaData)
		if err != nil {
			return 0, fmt.Errorf("invalid SLA definition file %q: %w", input, err)
		}

		for _, def := range defs {
			_, err := service.GetSLA(ctx, def.ID)
			switch {
			case err == nil:
				err := service.UpdateSLA(ctx, def)
				if err != nil {
					return 0, fmt.Errorf("could not update SLA %q: %w", def.ID, err)
				}
			case errors.Is(err, apperrors.ErrNotFound):
				err := service.RegisterSLA(ctx, def)
				if err != nil {
					return 0, fmt.Errorf("could not register SLA %q: %w", def.ID, err)
				}
			default:
				return 0, fmt.Errorf("could not get SLA %q: %w", def.ID, err)
			}
			applied++
		}
	}

	return applied, nil
}
