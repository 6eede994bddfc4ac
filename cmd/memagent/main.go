package main

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gibbonas/MemAgent/pkg/config"
)

var (
	configFile string
	logLevel   string
	settings   config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "memagent",
	Short: "memagent turns a remembered moment into a photograph",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			s.LogLevel = logLevel
		}
		settings = s
		initLogger(s.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func initLogger(level string) {
	zerolog.SetGlobalLevel(parseZerologLevel(level))
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// parseZerologLevel converts a string level into zerolog.Level with a safe default
func parseZerologLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "info":
		fallthrough
	default:
		return zerolog.InfoLevel
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a memagent.yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(), newChatCommand(), newUsageCommand(), newConfigCommand())
	cobra.CheckErr(rootCmd.Execute())
}
