package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"autoforge/internal/agent"
	"autoforge/internal/model"
	"autoforge/internal/notify"
	"autoforge/internal/pipeline"
	"autoforge/internal/policy"
	"autoforge/internal/repo"
	"autoforge/internal/risk"
	"autoforge/internal/store"
	"autoforge/internal/trigger"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

// pipelineDeps is the subset of the serving stack needed for one-shot
// commands: no HTTP surface, no loops, the outbox drained inline.
type pipelineDeps struct {
	cfg         policy.Config
	runStore    *store.SQLiteStore
	sync        *repo.Synchronizer
	coordinator *pipeline.Coordinator
	deliverer   *notify.Deliverer
	logger      *log.Logger
}

func buildPipelineDeps(policyPath string) (*pipelineDeps, error) {
	cfg, _, err := policy.Load(policyPath)
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

	return &pipelineDeps{
		cfg:      cfg,
		runStore: runStore,
		sync:     sync,
		coordinator: &pipeline.Coordinator{
			Guard:        pipeline.NewGuard(),
			Sync:         sync,
			Agent:        agent.NewInvocator(cfg.Agent.Command, cfg.Agent.Args, cfg.Repo.WorkPath, cfg.Agent.MaxTurns, cfg.Agent.AllowedTools, logger),
			Risk:         risk.NewEvaluator(cfg.Risk.ProtectedPrefixes),
			Notify:       notifier,
			Runs:         runStore,
			WorkPath:     cfg.Repo.WorkPath,
			AgentTimeout: cfg.AgentTimeout(),
			Logger:       logger,
		},
		deliverer: notify.NewDeliverer(runStore, sender, cfg.Notify.MaxAttempts, logger),
		logger:    logger,
	}, nil
}

// drainOutbox makes a best-effort delivery pass after a one-shot run so
// notifications are not stranded until the next serve session.
func (d *pipelineDeps) drainOutbox(ctx context.Context) {
	if d.cfg.Notify.EndpointURL == "" {
		return
	}
	if _, err := d.deliverer.ProcessOnce(ctx, 20); err != nil {
		d.logger.Printf("drain outbox: %v", err)
	}
}

// collectingBus buffers published triggers so one-shot commands can run
// them synchronously after the scan completes.
type collectingBus struct {
	events []model.TriggerEvent
}

func (b *collectingBus) Publish(event model.TriggerEvent) error {
	b.events = append(b.events, event)
	return nil
}

type runGlazedCommand struct {
	*cmds.CommandDescription
}

type runSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	File       string `glazed.parameter:"file"`
	Text       string `glazed.parameter:"text"`
}

func newRunGlazedCommand() (*runGlazedCommand, error) {
	return &runGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"run",
			cmds.WithShort("Execute one pipeline run from an instruction"),
			cmds.WithLong("Run the full pipeline once for an instruction given inline or as a file, then exit."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
				parameters.NewParameterDefinition(
					"file",
					parameters.ParameterTypeString,
					parameters.WithHelp("Instruction file path"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"text",
					parameters.ParameterTypeString,
					parameters.WithHelp("Inline instruction text"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func loadInstruction(file string, text string) (instruction string, payloadID string, err error) {
	file = strings.TrimSpace(file)
	text = strings.TrimSpace(text)
	switch {
	case file != "" && text != "":
		return "", "", fmt.Errorf("--file and --text are mutually exclusive")
	case file != "":
		content, readErr := os.ReadFile(file)
		if readErr != nil {
			return "", "", fmt.Errorf("read instruction file: %w", readErr)
		}
		if strings.TrimSpace(string(content)) == "" {
			return "", "", fmt.Errorf("instruction file %s is empty", file)
		}
		return string(content), file, nil
	case text != "":
		return text, "inline", nil
	default:
		return "", "", fmt.Errorf("either --file or --text is required")
	}
}

func (c *runGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	instruction, payloadID, err := loadInstruction(settings.File, settings.Text)
	if err != nil {
		return err
	}

	deps, err := buildPipelineDeps(settings.PolicyPath)
	if err != nil {
		return err
	}
	runErr := deps.coordinator.Handle(ctx, model.TriggerEvent{
		Origin:      model.TriggerOriginManual,
		PayloadID:   payloadID,
		Instruction: instruction,
	})
	deps.drainOutbox(ctx)
	return runErr
}

var _ cmds.BareCommand = &runGlazedCommand{}

type pollGlazedCommand struct {
	*cmds.CommandDescription
}

type pollSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	Source     string `glazed.parameter:"source"`
}

func newPollGlazedCommand() (*pollGlazedCommand, error) {
	return &pollGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"poll",
			cmds.WithShort("Run one poll cycle and process what it finds"),
			cmds.WithLong("Scan the inbox directory and/or request branches once, run the pipeline for each trigger found, then exit."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
				parameters.NewParameterDefinition(
					"source",
					parameters.ParameterTypeChoice,
					parameters.WithHelp("Which poll sources to scan"),
					parameters.WithChoices("file", "branch", "both"),
					parameters.WithDefault("both"),
				),
			),
		),
	}, nil
}

func (c *pollGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &pollSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	deps, err := buildPipelineDeps(settings.PolicyPath)
	if err != nil {
		return err
	}
	cfg := deps.cfg

	collector := &collectingBus{}
	if settings.Source == "file" || settings.Source == "both" {
		source := &trigger.FilePollSource{
			Sync:           deps.sync,
			WorkPath:       cfg.Repo.WorkPath,
			InboxDir:       cfg.Repo.InboxDir,
			InstructionExt: cfg.Repo.InstructionExt,
			Interval:       cfg.PollInterval(),
			Bus:            collector,
			Logger:         deps.logger,
		}
		source.ScanOnce(ctx)
	}
	if settings.Source == "branch" || settings.Source == "both" {
		source := &trigger.BranchPollSource{
			Repo:           deps.sync,
			Store:          deps.runStore,
			RemoteName:     cfg.Repo.RemoteName,
			BranchPrefix:   cfg.Poll.RequestBranchPrefix,
			InboxDir:       cfg.Repo.InboxDir,
			InstructionExt: cfg.Repo.InstructionExt,
			Interval:       cfg.PollInterval(),
			Bus:            collector,
			Logger:         deps.logger,
		}
		source.ScanOnce(ctx)
	}

	if len(collector.events) == 0 {
		fmt.Println("nothing to do")
		deps.drainOutbox(ctx)
		return nil
	}

	var firstErr error
	for _, event := range collector.events {
		if err := deps.coordinator.Handle(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	deps.drainOutbox(ctx)
	return firstErr
}

var _ cmds.BareCommand = &pollGlazedCommand{}
