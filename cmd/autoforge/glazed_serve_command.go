package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"autoforge/internal/policy"
	"autoforge/internal/server"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	PolicyPath      string `glazed.parameter:"policy"`
	WorkerInterval  string `glazed.parameter:"worker-interval"`
	WorkerBatchSize int    `glazed.parameter:"worker-batch-size"`
	WorkerLogPeriod string `glazed.parameter:"worker-log-period"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the trigger listener and pipeline"),
			cmds.WithLong("Start the webhook endpoint, poll loops, pipeline consumer, and notification delivery worker."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address"),
					parameters.WithDefault(":3020"),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
				parameters.NewParameterDefinition(
					"worker-interval",
					parameters.ParameterTypeString,
					parameters.WithHelp("Notification delivery loop interval"),
					parameters.WithDefault("2s"),
				),
				parameters.NewParameterDefinition(
					"worker-batch-size",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Notification delivery batch size"),
					parameters.WithDefault(20),
				),
				parameters.NewParameterDefinition(
					"worker-log-period",
					parameters.ParameterTypeString,
					parameters.WithHelp("Delivery worker summary log period"),
					parameters.WithDefault("30s"),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	workerInterval, err := parseDurationSetting("worker-interval", settings.WorkerInterval)
	if err != nil {
		return err
	}
	workerLogPeriod, err := parseDurationSetting("worker-log-period", settings.WorkerLogPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            settings.Addr,
		PolicyPath:      settings.PolicyPath,
		WorkerInterval:  workerInterval,
		WorkerBatchSize: settings.WorkerBatchSize,
		WorkerLogPeriod: workerLogPeriod,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Printf("autoforge serve listening on %s\n", settings.Addr)
	return runtime.Run(signalCtx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}
