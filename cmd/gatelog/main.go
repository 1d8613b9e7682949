// Command gatelog records vehicle movement events and anchors their digests
// to external ledgers.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/gatelog/gatelog/pkg/config"
	"github.com/gatelog/gatelog/pkg/observability"
)

var version = "dev"

// CLI holds the global flags and commands.
type CLI struct {
	Config    string           `short:"c" help:"YAML configuration file." env:"GATELOG_CONFIG" type:"path"`
	EnvFile   string           `help:"Dotenv file loaded before the environment." default:".env"`
	LogLevel  string           `help:"Override LOG_LEVEL (debug, info, warn, error)."`
	LogFormat string           `help:"Override LOG_FORMAT (text, json)."`
	Version   kong.VersionFlag `help:"Show version and exit."`

	Serve  ServeCmd  `cmd:"" default:"1" help:"Run the HTTP API (default)."`
	Worker WorkerCmd `cmd:"" help:"Drain the anchoring outbox without serving HTTP."`
	List   ListCmd   `cmd:"" help:"Print stored events, newest first."`
	Verify VerifyCmd `cmd:"" help:"Recompute every stored digest."`
}

// load reads configuration and installs the process logger.
func (c *CLI) load() (*config.Config, error) {
	cfg, err := config.Load(c.Config, c.EnvFile)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.LogFormat = c.LogFormat
	}
	observability.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gatelog"),
		kong.Description("Tamper-evident vehicle movement log."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	err := kctx.Run(&cli)
	if err == nil {
		return
	}
	var exit exitError
	if asExit(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "gatelog: %v\n", err)
	os.Exit(2)
}
