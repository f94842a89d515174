package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/signaldesk/internal/config"
	sdlog "github.com/sawpanic/signaldesk/internal/log"
)

const (
	appName = "signaldesk"
	version = "v1.0.0"
)

// Set at build time with -ldflags.
var buildStamp = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "", "Path to YAML configuration")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format override (auto|console|json)")
}

// setup loads the configuration and installs the process logger.
func (g *globalFlags) setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, log.Logger, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	logger, err := sdlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return cfg, log.Logger, err
	}
	log.Logger = logger
	return cfg, logger, nil
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:     appName,
		Short:   "Human-in-the-loop EUR/USD signal assistant",
		Version: fmt.Sprintf("%s (%s)", version, buildStamp),
		Long: `signaldesk watches EUR/USD 15 minute bars during the London session, proposes
mean-reversion trades through Telegram and tracks the trades you execute by hand.

Trading state lives in a single JSON file with a rotating backup. If the assistant
stops because that file could not be written or read, inspect it with
'signaldesk state verify' before restarting.`,
		SilenceUsage: true,
	}
	g.register(root.PersistentFlags())

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newStateCmd(g))
	root.AddCommand(newBreakerCmd(g))
	root.AddCommand(newConfigCmd(g))
	return root
}
