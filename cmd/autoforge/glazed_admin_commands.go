package main

import (
	"context"
	"fmt"
	"strings"

	"autoforge/internal/model"
	"autoforge/internal/policy"
	"autoforge/internal/store"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type runsGlazedCommand struct {
	*cmds.CommandDescription
}

type runsSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	Limit      int    `glazed.parameter:"limit"`
}

func newRunsGlazedCommand() (*runsGlazedCommand, error) {
	return &runsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"runs",
			cmds.WithShort("List pipeline run history"),
			cmds.WithLong("Print recent pipeline runs from the store, newest first."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
				parameters.NewParameterDefinition(
					"limit",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Maximum runs to list"),
					parameters.WithDefault(50),
				),
			),
		),
	}, nil
}

func (c *runsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &runsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, _, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return err
	}
	runStore := store.NewSQLiteStore(cfg.Store.DBPath)
	records, err := runStore.ListRuns(settings.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, record := range records {
		fmt.Println(formatRunLine(record))
	}
	return nil
}

func formatRunLine(record model.RunRecord) string {
	parts := []string{
		record.CreatedAt,
		string(record.Status),
		record.RunID,
		string(record.Origin),
	}
	if record.Branch != "" {
		parts = append(parts, record.Branch)
	}
	if record.Summary != "" {
		parts = append(parts, record.Summary)
	}
	if record.ErrorText != "" {
		parts = append(parts, "error: "+record.ErrorText)
	}
	return strings.Join(parts, "  ")
}

var _ cmds.BareCommand = &runsGlazedCommand{}

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default autoforge policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type versionGlazedCommand struct {
	*cmds.CommandDescription
}

func newVersionGlazedCommand() (*versionGlazedCommand, error) {
	return &versionGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"version",
			cmds.WithShort("Print the autoforge version"),
		),
	}, nil
}

func (c *versionGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	_ = parsedLayers
	fmt.Println("autoforge", version)
	return nil
}

var _ cmds.BareCommand = &versionGlazedCommand{}
