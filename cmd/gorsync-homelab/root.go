package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "gorsync-homelab",
	Short: "An rsync snapshot daemon with interval retention for homelab environments",
	Long: `gorsync-homelab keeps rotating rsync snapshots of your data.

Every task takes one backup per due interval with rsync --link-dest. Backups
that fall due in the same minute share a single data tree through symlinks,
and each interval expires its backups by count and by age. Wake-on-LAN and SSH
checks can run before every transfer.

Start the daemon with "run" and control its tasks over the control socket.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = newLogger(os.Stderr)
		zerolog.SetGlobalLevel(logLevel())
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log the scheduling decisions (debug level)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "log errors only")
	flags.BoolVar(&jsonOutput, "json", false, "log in JSON format")
	flags.BoolVar(&noColor, "no-color", false, "disable colored console logs")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	rootCmd.MarkFlagsMutuallyExclusive("json", "no-color")

	rootCmd.AddCommand(runCmd, validateCmd)
	addControlCommands(rootCmd)
}

// newLogger writes JSON lines with --json and a console layout otherwise.
func newLogger(out io.Writer) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(out).With().Timestamp().Logger()
	}

	console := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: noColor}
	console.FormatLevel = func(i interface{}) string {
		if s, ok := i.(string); ok {
			return strings.ToUpper(s)
		}
		return ""
	}
	return zerolog.New(console).With().Timestamp().Logger()
}

func logLevel() zerolog.Level {
	switch {
	case quiet:
		return zerolog.ErrorLevel
	case verbose:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
