package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-validations/internal/admission"
	"github.com/animus-labs/animus-validations/internal/callback"
	"github.com/animus-labs/animus-validations/internal/dispatch"
	"github.com/animus-labs/animus-validations/internal/engine"
	"github.com/animus-labs/animus-validations/internal/pipeline"
	"github.com/animus-labs/animus-validations/internal/platform/auditlog"
	"github.com/animus-labs/animus-validations/internal/platform/auth"
	"github.com/animus-labs/animus-validations/internal/platform/httpserver"
	"github.com/animus-labs/animus-validations/internal/platform/k8s"
	"github.com/animus-labs/animus-validations/internal/platform/metrics"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/platform/postgres"
	pgrepo "github.com/animus-labs/animus-validations/internal/repo/postgres"
	"github.com/animus-labs/animus-validations/internal/retention"
	"github.com/animus-labs/animus-validations/internal/runtimeexec"
	"github.com/animus-labs/animus-validations/internal/sweeper"
	"github.com/animus-labs/animus-validations/internal/validation"
	"github.com/animus-labs/animus-validations/internal/validation/jsonschema"
	"github.com/animus-labs/animus-validations/internal/validation/ruleset"
	"github.com/animus-labs/animus-validations/internal/validation/simulation"
)

const serviceName = "validations"

// app holds the components shared by serve and worker.
type app struct {
	cfg      config
	db       *sql.DB
	store    *pgrepo.Store
	objects  objectstore.Config
	s3       *minio.Client
	outputs  objectstore.Store
	registry *validation.Registry
	executor runtimeexec.Executor
	metrics  *metrics.Recorder
	engine   *engine.Engine
	admitter *admission.Controller

	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func openDB(ctx context.Context) (*sql.DB, postgres.Config, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, postgres.Config{}, fmt.Errorf("database config: %w", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, postgres.Config{}, fmt.Errorf("database unavailable: %w", err)
	}
	return db, dbCfg, nil
}

func newApp(ctx context.Context, logger *slog.Logger, cfg config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, dbCfg, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.store = pgrepo.NewStore(db, dbCfg.LockTimeout)

	objCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	client, err := objectstore.NewMinIOClient(objCfg)
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	if err := objectstore.EnsureBuckets(ctx, client, objCfg); err != nil {
		return nil, fmt.Errorf("object store buckets: %w", err)
	}
	objects, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, err
	}
	a.objects = objCfg
	a.s3 = client
	a.outputs = objects

	a.executor, err = newExecutor(cfg)
	if err != nil {
		return nil, err
	}
	sim, err := simulation.New(simulation.Config{
		CallbackURL:    cfg.CallbackURL,
		CallbackSecret: cfg.InternalSecret,
		OutputsBucket:  objCfg.BucketOutputs,
		DefaultTimeout: cfg.JobTimeout,
	}, a.executor)
	if err != nil {
		return nil, fmt.Errorf("simulation validator: %w", err)
	}
	a.registry, err = validation.NewRegistry(
		validation.Entry{Validator: jsonschema.New()},
		validation.Entry{Validator: ruleset.New()},
		validation.Entry{Validator: sim, Async: true},
	)
	if err != nil {
		return nil, err
	}

	a.admitter, err = admission.Load(cfg.TenantPolicy)
	if err != nil {
		return nil, fmt.Errorf("tenant policy: %w", err)
	}
	hook, err := retention.NewHook(logger, a.admitter, objects, objCfg.BucketInputs)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engine.Deps{
		Logger:       logger,
		Store:        a.store,
		Registry:     a.registry,
		Inputs:       objects,
		InputsBucket: objCfg.BucketInputs,
		Admission:    a.admitter,
		Retention:    hook,
		Audit:        auditlog.NewDBRecorder(db),
		Metrics:      a.metrics,
	})
	if err != nil {
		return nil, err
	}

	if cfg.DispatchMode == dispatch.ModeQueued {
		a.nc, err = nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.js, err = jetstream.New(a.nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		a.stream, err = dispatch.EnsureStream(ctx, a.js, a.queueConfig())
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func newExecutor(cfg config) (runtimeexec.Executor, error) {
	switch cfg.Executor {
	case executorKubernetes:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		ns := cfg.K8sNamespace
		if ns == "" {
			ns = client.Namespace()
		}
		return runtimeexec.NewKubernetesJobExecutor(client, ns, int32(cfg.K8sJobTTL), cfg.K8sServiceAcc)
	default:
		return runtimeexec.NewDockerExecutor(cfg.DockerBin, cfg.DockerNetwork)
	}
}

func (a *app) queueConfig() dispatch.QueueConfig {
	return dispatch.QueueConfig{Stream: a.cfg.Stream, Subject: a.cfg.Subject}
}

func (a *app) dispatcher() (dispatch.Dispatcher, error) {
	switch a.cfg.DispatchMode {
	case dispatch.ModeDirect:
		return dispatch.NewDirect(dispatch.DirectConfig{
			BaseURL: a.cfg.DirectURL,
			Secret:  a.cfg.InternalSecret,
		}, a.metrics)
	case dispatch.ModeQueued:
		return dispatch.NewQueued(a.js, a.queueConfig(), a.metrics)
	default:
		return dispatch.NewInline(a.engine, a.metrics)
	}
}

func (a *app) syncPipelines(ctx context.Context, logger *slog.Logger) error {
	pipelines, err := pipeline.LoadDir(a.cfg.PipelinesDir, a.registry)
	if err != nil {
		return err
	}
	return pipeline.Sync(ctx, a.store, pipelines, logger)
}

func serve(ctx context.Context, logger *slog.Logger, cfg config) error {
	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer a.Close()

	if err := a.syncPipelines(ctx, logger); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("pipeline sync failed", "dir", cfg.PipelinesDir, "error", err)
			return err
		}
		logger.Warn("pipelines dir missing, serving stored pipelines", "dir", cfg.PipelinesDir)
	}

	disp, err := a.dispatcher()
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	processor, err := callback.NewProcessor(callback.Deps{
		Logger:        logger,
		Store:         a.store,
		Registry:      a.registry,
		Finalizer:     a.engine,
		Dispatcher:    disp,
		Outputs:       a.outputs,
		OutputsBucket: a.objects.BucketOutputs,
		Metrics:       a.metrics,
	})
	if err != nil {
		return err
	}
	sweep, err := sweeper.New(logger, a.store, processor, sweeper.Config{
		Interval: cfg.SweepInterval,
		Grace:    cfg.SweepGrace,
	}, a.executor)
	if err != nil {
		return err
	}

	gateway, err := auth.NewGatewayHeadersAuthenticator(cfg.InternalSecret)
	if err != nil {
		return err
	}
	protect := auth.Middleware{
		Logger:        logger,
		Authenticator: gateway,
		Authorize:     auth.RoleAuthorizer,
	}.Wrap

	api := newValidationsAPI(logger, a.store, a.engine, callback.Handler{
		Logger:    logger,
		Processor: processor,
		Secret:    cfg.InternalSecret,
		MaxSkew:   cfg.CallbackSkew,
	}, cfg.InternalSecret)
	api.maxSkew = cfg.CallbackSkew

	mux := http.NewServeMux()
	a.registerOps(mux)
	api.register(mux, protect)

	logger.Info("validations starting", "addr", cfg.HTTPAddr, "dispatch_mode", disp.Mode(), "executor", a.executor.Kind())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpserver.Config{
			Service:         serviceName,
			Addr:            cfg.HTTPAddr,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, httpserver.Wrap(logger, serviceName, a.metrics, mux))
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	err = g.Wait()
	api.wait()
	if err != nil {
		logger.Error("server stopped", "error", err)
	}
	return err
}

func work(ctx context.Context, logger *slog.Logger, cfg config) error {
	if cfg.DispatchMode != dispatch.ModeQueued {
		return fmt.Errorf("worker needs VALIDATIONS_DISPATCH_MODE=%s, got %s", dispatch.ModeQueued, cfg.DispatchMode)
	}
	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer a.Close()

	worker, err := dispatch.NewWorker(logger, a.engine, a.engine, dispatch.WorkerConfig{
		Subject:    cfg.Subject,
		MaxDeliver: cfg.MaxDeliver,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	a.registerOps(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpserver.Config{
			Service:         serviceName + "-worker",
			Addr:            cfg.WorkerAddr,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, httpserver.Wrap(logger, serviceName+"-worker", a.metrics, mux))
	})
	g.Go(func() error {
		return worker.Run(gctx, a.stream)
	})
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		return err
	}
	return nil
}

func (a *app) registerOps(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	checks := []httpserver.ReadinessCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return a.db.PingContext(ctx) }},
		{Name: "object_store", Check: func(ctx context.Context) error { return objectstore.CheckBuckets(ctx, a.s3, a.objects) }},
	}
	if a.nc != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "nats",
			Check: func(ctx context.Context) error {
				if !a.nc.IsConnected() {
					return errors.New("nats disconnected")
				}
				return nil
			},
		})
	}
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	mux.Handle("GET /metrics", a.metrics.Handler())
}

func migrate(ctx context.Context, logger *slog.Logger) error {
	db, _, err := openDB(ctx)
	if err != nil {
		logger.Error("migrate failed", "error", err)
		return err
	}
	defer func() { _ = db.Close() }()
	if err := pgrepo.Migrate(ctx, db, logger); err != nil {
		logger.Error("migrate failed", "error", err)
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func syncPipelines(ctx context.Context, logger *slog.Logger, cfg config) error {
	db, dbCfg, err := openDB(ctx)
	if err != nil {
		logger.Error("pipeline sync failed", "error", err)
		return err
	}
	defer func() { _ = db.Close() }()

	// Definitions are checked against the same validators serve runs; no
	// job is ever submitted from here.
	sim, err := simulation.New(simulation.Config{
		CallbackURL:    cfg.CallbackURL,
		CallbackSecret: cfg.InternalSecret,
		OutputsBucket:  "unused",
	}, offlineExecutor{})
	if err != nil {
		return err
	}
	registry, err := validation.NewRegistry(
		validation.Entry{Validator: jsonschema.New()},
		validation.Entry{Validator: ruleset.New()},
		validation.Entry{Validator: sim, Async: true},
	)
	if err != nil {
		return err
	}
	pipelines, err := pipeline.LoadDir(cfg.PipelinesDir, registry)
	if err != nil {
		logger.Error("pipeline load failed", "dir", cfg.PipelinesDir, "error", err)
		return err
	}
	if err := pipeline.Sync(ctx, pgrepo.NewStore(db, dbCfg.LockTimeout), pipelines, logger); err != nil {
		logger.Error("pipeline sync failed", "error", err)
		return err
	}
	logger.Info("pipelines synced", "count", len(pipelines))
	return nil
}

// offlineExecutor backs validators that are only used to check pipeline
// definitions.
type offlineExecutor struct{}

func (offlineExecutor) Kind() string { return "offline" }

func (offlineExecutor) Submit(ctx context.Context, spec runtimeexec.JobSpec) error {
	return errors.New("offline executor cannot submit jobs")
}

func (offlineExecutor) Inspect(ctx context.Context, execution runtimeexec.Execution) (runtimeexec.Observation, error) {
	return runtimeexec.Observation{}, errors.New("offline executor cannot inspect jobs")
}
