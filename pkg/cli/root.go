package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/platinummonkey/phiguard/pkg/app"
	"github.com/platinummonkey/phiguard/pkg/config"
	"github.com/platinummonkey/phiguard/pkg/observability"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "phiguardctl",
		Description: "phiguardctl - audit chain and protected-field administration",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("phiguardctl", flag.ExitOnError),
	}

	root.Subcommands["verify"] = newVerifyCommand()
	root.Subcommands["export"] = newExportCommand()
	root.Subcommands["rotate"] = newRotateCommand()

	return root
}

// Execute runs the command
func (c *Command) Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// openApp builds the components from PHIGUARD_* environment variables.
// Logs go to stderr so command output stays parseable.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)
	return app.New(ctx, cfg, logger)
}
