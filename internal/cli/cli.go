// Package cli implements the segrep command-line interface.
//
// The commands drive the representation pipeline of pkg/engine headlessly:
//   - demo: converts a synthetic sphere between all representations and
//     renders every step into SVG slice viewports
//   - style: resolves the display style of a representation from the config
//   - cache: inspects and clears the geometry cache directory
//   - serve: runs the HTTP inspection server
//
// All commands accept --config to load a TOML file over the built-in
// defaults, and --verbose (-v) for debug-level logging. The logger is carried
// in the command context.
package cli

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/segrep/pkg/buildinfo"
	"github.com/matzehuels/segrep/pkg/config"
	"github.com/matzehuels/segrep/pkg/engine"
)

// appName is the application name used for display.
const appName = "segrep"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
	verbose    bool
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "segrep converts and renders segmentation representations",
		Long:         `segrep keeps labelmap, contour and surface representations of a segmentation in sync, caches the derived slice geometry and renders them into headless viewports.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.verbose {
				c.SetLogLevel(LogDebug)
			}
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "TOML config file (defaults apply when empty)")

	root.AddCommand(c.demoCommand())
	root.AddCommand(c.styleCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// loadConfig reads --config, or returns the defaults. The configured log
// level applies unless --verbose was given.
func (c *CLI) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if !c.verbose {
		c.SetLogLevel(cfg.LogLevel())
	}
	return cfg, nil
}

// newEngine builds an engine from cfg that logs through the command logger.
func newEngine(ctx context.Context, cfg config.Config, opts ...engine.Option) (*engine.Engine, error) {
	opts = append([]engine.Option{engine.WithLogger(loggerFromContext(ctx))}, opts...)
	return engine.New(ctx, cfg, opts...)
}
