// Package cli implements the warcdb command surface.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warcdb/warcdb/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// env is shared by every command of one invocation.
type env struct {
	configFile string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCmd returns the warcdb root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	e := &env{}

	rootCmd := &cobra.Command{
		Use:   "warcdb",
		Short: "Import WARC and ARC web archives into a SQLite database",
		Long: `warcdb imports web archive records into a relational SQLite store with one
table per record type. Sources may be local files or directories, http(s) URLs,
s3:// objects or prefixes, and WACZ/zip bundles; gzip and snappy compression
are detected by content.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&e.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flags.StringVar(&e.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&e.logFormat, "log-format", "", "Log format: console, json")

	rootCmd.AddCommand(initCmd(e))
	rootCmd.AddCommand(importCmd(e))
	rootCmd.AddCommand(migrationsCmd(e))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// setup loads configuration from file and environment, applies the
// persistent flags and builds the logger.
func (e *env) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(e.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if e.logLevel != "" {
		cfg.Log.Level = e.logLevel
	}
	if e.logFormat != "" {
		cfg.Log.Format = e.logFormat
	}
	e.cfg = cfg

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	e.logger = logger
	return nil
}

// newLogger builds a zap logger writing to w.
func newLogger(cfg config.LogConfig, w io.Writer) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoderConfig.TimeKey = "ts"
		encoderConfig.LevelKey = "level"
		encoderConfig.NameKey = "logger"
		encoderConfig.CallerKey = "caller"
		encoderConfig.MessageKey = "msg"
		encoderConfig.StacktraceKey = "stacktrace"
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q (must be console or json)", cfg.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(core).Named("warcdb"), nil
}
