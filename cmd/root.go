package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/roomir/internal/config"
	"github.com/audiolibrelab/roomir/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

// newService is replaced in tests.
var newService = func() service.Service {
	return service.New(cfg, cfgFile, service.Deps{})
}

var rootCmd = &cobra.Command{
	Use:   "roomir",
	Short: "Multi-channel acoustic measurement campaigns",
	Long: `roomir runs acoustic measurement campaigns: room impulse responses,
noise floors and calibrations recorded through a multi-channel audio
interface.

A campaign is described by a profile in the configuration file. 'roomir init'
creates its storage, then every 'roomir take' records the selected channels or
channel groups and saves one file per group, linked from the campaign's
MeasurementData file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Hardware listing works without any campaign
		if cmd.Name() == "ports" || cmd.Name() == "help" {
			return nil
		}

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/roomir.yaml")
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "campaign", cfg.Name)

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/roomir.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=engine output, 3=max tracing")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(takeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(exportSetupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(portsCmd)
}

// setupLogging installs a text slog handler on stderr. Any -v level enables
// debug output; level 3 also turns on PipeWire's own tracing for the
// pw-record and pw-play children.
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 && level <= 3 {
		slogLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
	}
}
