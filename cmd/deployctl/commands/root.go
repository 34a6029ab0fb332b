package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cursiveterminal/deployctl/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// vp and settings are populated before any subcommand runs.
	vp       *viper.Viper
	settings *config.Settings

	buildInfo struct {
		version, commit, date string
	}
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildInfo.version, buildInfo.commit, buildInfo.date = version, commit, buildDate
	vp = config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "deployctl",
		Short: "Run scripts across fleets of machines",
		Long: `deployctl renders a script template once per target and runs it over SSH
or as a local process, a bounded number of targets at a time.

Targets live in a local SQLite registry. Deployments are described in CUE
manifests, vetted by Rego policies before they are stored, and every progress
event is recorded so a run can be inspected afterwards.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(vp, configPath)
			if err != nil {
				return err
			}
			settings = s
			configureLogging(s.Log)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default: <data-dir>/config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.String("data-dir", "", "data directory (default: ~/.deployctl)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	_ = vp.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = vp.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newTargetCommand())
	rootCmd.AddCommand(newTemplateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// configureLogging replaces the bootstrap logger once settings are known.
func configureLogging(ls config.LogSettings) {
	level, err := zerolog.ParseLevel(ls.Level)
	if err != nil || ls.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if ls.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
