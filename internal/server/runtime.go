package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"autoforge/internal/agent"
	"autoforge/internal/bus"
	"autoforge/internal/model"
	"autoforge/internal/notify"
	"autoforge/internal/pipeline"
	"autoforge/internal/policy"
	"autoforge/internal/repo"
	"autoforge/internal/risk"
	"autoforge/internal/store"
	"autoforge/internal/trigger"
)

type Options struct {
	Addr            string
	PolicyPath      string
	WorkerInterval  time.Duration
	WorkerBatchSize int
	WorkerLogPeriod time.Duration
	ShutdownTimeout time.Duration
}

// Runtime owns the full serving stack: the trigger sources, the bus
// subscription that drives the pipeline, the notification delivery worker,
// and the HTTP surface (webhook plus health and run history).
type Runtime struct {
	opts        Options
	cfg         policy.Config
	logger      *log.Logger
	runStore    *store.SQLiteStore
	triggerBus  *bus.TriggerBus
	guard       *pipeline.Guard
	coordinator *pipeline.Coordinator
	worker      *DeliveryWorker
	webhook     *trigger.WebhookSource
	pollSources []trigger.Source
	startedAt   time.Time
	server      *http.Server
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	cfg, _, err := policy.Load(options.PolicyPath)
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(cfg); err != nil {
		return nil, err
	}

	logger := log.New(os.Stdout, "", 0)
	runStore := store.NewSQLiteStore(cfg.Store.DBPath)
	if err := runStore.Init(); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	sync := repo.NewSynchronizer(cfg.Repo.WorkPath, cfg.Repo.RemoteName, cfg.Repo.TrunkBranch, cfg.Repo.BranchPrefix, logger)
	sync.VersionBumpCommand = cfg.Repo.VersionBumpCommand
	sync.NetworkTimeout = cfg.GitNetworkTimeout()

	notifier := notify.NewNotifier(runStore, cfg.Notify.Recipient, logger)
	sender := notify.NewSender(cfg.Notify.EndpointURL, cfg.NotifyTimeout())
	deliverer := notify.NewDeliverer(runStore, sender, cfg.Notify.MaxAttempts, logger)

	guard := pipeline.NewGuard()
	runtime := &Runtime{
		opts:       options,
		cfg:        cfg,
		logger:     logger,
		runStore:   runStore,
		triggerBus: bus.NewTriggerBus(),
		guard:      guard,
		coordinator: &pipeline.Coordinator{
			Guard:        guard,
			Sync:         sync,
			Agent:        agent.NewInvocator(cfg.Agent.Command, cfg.Agent.Args, cfg.Repo.WorkPath, cfg.Agent.MaxTurns, cfg.Agent.AllowedTools, logger),
			Risk:         risk.NewEvaluator(cfg.Risk.ProtectedPrefixes),
			Notify:       notifier,
			Runs:         runStore,
			WorkPath:     cfg.Repo.WorkPath,
			AgentTimeout: cfg.AgentTimeout(),
			Logger:       logger,
		},
		worker:    NewDeliveryWorker(deliverer, runStore, options.WorkerInterval, options.WorkerBatchSize, options.WorkerLogPeriod, logger),
		startedAt: time.Now().UTC(),
	}

	if cfg.Webhook.Secret != "" {
		runtime.webhook = &trigger.WebhookSource{
			Secret:         cfg.Webhook.Secret,
			TrunkBranch:    cfg.Repo.TrunkBranch,
			InboxDir:       cfg.Repo.InboxDir,
			InstructionExt: cfg.Repo.InstructionExt,
			Bus:            runtime.triggerBus,
			Logger:         logger,
		}
	}
	if cfg.Poll.FilePollEnabled {
		runtime.pollSources = append(runtime.pollSources, &trigger.FilePollSource{
			Sync:           sync,
			WorkPath:       cfg.Repo.WorkPath,
			InboxDir:       cfg.Repo.InboxDir,
			InstructionExt: cfg.Repo.InstructionExt,
			Interval:       cfg.PollInterval(),
			Bus:            runtime.triggerBus,
			Busy:           guard.Held,
			Logger:         logger,
		})
	}
	if cfg.Poll.BranchPollEnable {
		runtime.pollSources = append(runtime.pollSources, &trigger.BranchPollSource{
			Repo:           sync,
			Store:          runStore,
			RemoteName:     cfg.Repo.RemoteName,
			BranchPrefix:   cfg.Poll.RequestBranchPrefix,
			InboxDir:       cfg.Repo.InboxDir,
			InstructionExt: cfg.Repo.InstructionExt,
			Interval:       cfg.PollInterval(),
			Bus:            runtime.triggerBus,
			Busy:           guard.Held,
			Logger:         logger,
		})
	}

	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime, nil
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	r.worker.Start(backgroundCtx)
	if err := r.startConsumer(backgroundCtx); err != nil {
		backgroundCancel()
		return err
	}
	for _, source := range r.pollSources {
		go func(source trigger.Source) {
			if err := source.Run(backgroundCtx); err != nil {
				r.logger.Printf("%s source stopped: %v", source.Name(), err)
			}
		}(source)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	r.logger.Printf("serving on %s (webhook=%t file_poll=%t branch_poll=%t)",
		r.opts.Addr, r.webhook != nil, r.cfg.Poll.FilePollEnabled, r.cfg.Poll.BranchPollEnable)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.teardown(backgroundCancel)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	shutdownErr := r.server.Shutdown(shutdownCtx)
	r.teardown(backgroundCancel)
	return shutdownErr
}

// startConsumer subscribes to the trigger bus and feeds events into the
// pipeline.
func (r *Runtime) startConsumer(ctx context.Context) error {
	events, err := r.triggerBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to trigger bus: %w", err)
	}
	go consumeTriggers(ctx, events, r.guard.Held, r.coordinator.Handle, r.logger)
	return nil
}

// consumeTriggers drains the bus. A trigger that arrives while a run is in
// flight is dropped, not queued: runs are dispatched asynchronously so the
// loop keeps reading, and anything received while the guard is held is shed
// with a log line. The guard itself stays the authority for the race where
// two events arrive between a run starting and the held flag flipping.
func consumeTriggers(ctx context.Context, events <-chan model.TriggerEvent, held func() bool, handle func(context.Context, model.TriggerEvent) error, logger *log.Logger) {
	for event := range events {
		if held() {
			logger.Printf("shedding trigger: origin=%s payload=%s reason=run-in-progress", event.Origin, event.PayloadID)
			continue
		}
		event := event
		go func() {
			if err := handle(ctx, event); err != nil && !errors.Is(err, pipeline.ErrBusy) {
				logger.Printf("pipeline run failed: %v", err)
			}
		}()
	}
}

func (r *Runtime) teardown(cancel context.CancelFunc) {
	cancel()
	_ = r.worker.Wait(2 * time.Second)
	if err := r.triggerBus.Close(); err != nil {
		r.logger.Printf("close trigger bus: %v", err)
	}
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3020"
	}
	if options.PolicyPath == "" {
		options.PolicyPath = policy.DefaultPolicyPath
	}
	if options.WorkerInterval <= 0 {
		options.WorkerInterval = 2 * time.Second
	}
	if options.WorkerBatchSize <= 0 {
		options.WorkerBatchSize = 20
	}
	if options.WorkerLogPeriod <= 0 {
		options.WorkerLogPeriod = 30 * time.Second
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	return options
}
