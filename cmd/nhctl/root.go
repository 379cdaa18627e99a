package main

import (
	"log"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Root struct {
	logger *zap.Logger
	fs     afero.Fs
	// subCommands holds the registered subcommands.
	subCommands []Plugins
}

// Plugins is implemented by every subcommand.
type Plugins interface {
	GetCmd() *cobra.Command
}

var debugMode bool

func setupLogger() *zap.Logger {
	logCfg := zap.NewDevelopmentConfig()
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debugMode {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logCfg.DisableStacktrace = false
	} else {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		logCfg.DisableStacktrace = true
	}

	logger, err := logCfg.Build()
	if err != nil {
		log.Panic("nhctl: failed to start the logger")
		return nil
	}
	return logger
}

func checkForDebugFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--debug" {
			return true
		}
	}
	return false
}

func newRoot(logger *zap.Logger, fs afero.Fs) *Root {
	r := &Root{logger: logger, fs: fs}
	r.subCommands = append(r.subCommands, NewCmdCheck(logger, fs), NewCmdRestore(logger, fs))
	return r
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nhctl",
		Short:         "inspect and repair plthook mods",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Run in debug mode")
	for _, sc := range r.subCommands {
		rootCmd.AddCommand(sc.GetCmd())
	}
	return rootCmd
}

// Execute runs the CLI with os.Args.
func Execute() {
	// the logger is needed before cobra parses the flags
	debugMode = checkForDebugFlag(os.Args[1:])
	logger := setupLogger()
	defer logger.Sync() //nolint:errcheck

	if err := newRoot(logger, afero.NewOsFs()).command().Execute(); err != nil {
		logger.Error("failed", zap.Error(err))
		os.Exit(1)
	}
}
