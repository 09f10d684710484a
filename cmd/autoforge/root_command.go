package main

import (
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "autoforge",
		Short:         "autonomous change pipeline for agent-maintained repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	migrated := []cmds.Command{}

	serveCmd, err := newServeGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, serveCmd)

	runCmd, err := newRunGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, runCmd)

	pollCmd, err := newPollGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, pollCmd)

	runsCmd, err := newRunsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, runsCmd)

	policyInitCmd, err := newPolicyInitGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, policyInitCmd)

	versionCmd, err := newVersionGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, versionCmd)

	for _, command := range migrated {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

func printUsage() {
	fmt.Println("autoforge - autonomous change pipeline for agent-maintained repositories")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  autoforge serve [--addr :3020] [--policy .autoforge/policy.json]")
	fmt.Println("  autoforge run [--file inbox/task.md | --text \"...\"]")
	fmt.Println("  autoforge poll [--source file|branch|both]")
	fmt.Println("  autoforge runs [--limit 50]")
	fmt.Println("  autoforge policy-init [--path .autoforge/policy.json]")
	fmt.Println("  autoforge version")
}
