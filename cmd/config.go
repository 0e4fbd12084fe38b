package cmd

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/roomir/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View the resolved campaign configuration and switch the active profile.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show [profile]",
	Short: "Show current configuration",
	Long: `Show the resolved configuration of the selected profile, or of the named
profile without making it active.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		if len(args) == 1 {
			if err := svc.LoadProfile(args[0]); err != nil {
				return err
			}
		}
		cfg := svc.GetConfig()
		w := cmd.OutOrStdout()
		if raw, _ := cmd.Flags().GetBool("yaml"); raw {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("error marshaling config: %w", err)
			}
			_, err = w.Write(out)
			return err
		}

		src := func(key string) string { return getInheritanceIndicator(cfg.Inheritance.Source(key)) }

		fmt.Fprintf(w, "=== CAMPAIGN %s ===\n", cfg.Name)
		fmt.Fprintf(w, "directory: %s\n", cfg.CampaignDir())

		fmt.Fprintf(w, "\n[Audio]\n")
		fmt.Fprintf(w, "sample_rate: %d %s\n", cfg.Audio.SampleRate, src("audio.sample_rate"))
		fmt.Fprintf(w, "backend: %s %s\n", cfg.Audio.Backend, src("audio.backend"))
		fmt.Fprintf(w, "device: %v %s\n", cfg.Audio.Device, src("audio.device"))

		m := cfg.Measurement
		fmt.Fprintf(w, "\n[Measurement]\n")
		fmt.Fprintf(w, "band: %g-%g Hz %s\n", m.FreqMin, m.FreqMax, src("measurement.freq_max"))
		fmt.Fprintf(w, "averages: %d %s\n", m.Averages, src("measurement.averages"))
		fmt.Fprintf(w, "pause_for_average: %t\n", m.PauseForAverage)
		fmt.Fprintf(w, "noise_floor_duration: %s %s\n", m.NoiseFloorDuration, src("measurement.noise_floor_duration"))
		fmt.Fprintf(w, "calibration_duration: %s %s\n", m.CalibrationDuration, src("measurement.calibration_duration"))

		fmt.Fprintf(w, "\n[Inputs] %s\n", src("in_channels"))
		for _, ch := range cfg.InChannels {
			fmt.Fprintf(w, "%d. %s (%s)\n", ch.Number, ch.Code, ch.Name)
		}
		if len(cfg.Groups) > 0 {
			fmt.Fprintf(w, "groups: %s\n", src("groups"))
			for name, members := range cfg.Groups {
				fmt.Fprintf(w, "  %s: %s\n", name, strings.Join(members, ", "))
			}
		}

		fmt.Fprintf(w, "\n[Outputs] %s\n", src("out_channels"))
		for _, ch := range cfg.OutChannels {
			fmt.Fprintf(w, "%d. %s (%s)\n", ch.Number, ch.Code, ch.Name)
		}

		fmt.Fprintf(w, "\n[Excitations] %s\n", src("excitations"))
		for name, p := range cfg.Excitations {
			fmt.Fprintf(w, "%s: duration=%s silence=%s\n", name, p.Duration, p.Silence)
		}

		fmt.Fprintf(w, "\n[Storage]\n")
		fmt.Fprintf(w, "root: %s %s\n", cfg.Storage.Root, src("storage.root"))
		fmt.Fprintf(w, "format: %s %s\n", cfg.Storage.Format, src("storage.format"))
		if cfg.Sensor != nil {
			fmt.Fprintf(w, "\n[Sensor]\nport: %s\n", cfg.Sensor.Path)
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the profiles of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		rootConfig, err := config.ValidateConfigurationFormat(cfgFile)
		if err != nil {
			return err
		}
		for _, name := range rootConfig.ProfileNames() {
			marker := " "
			if name == rootConfig.ActiveConfig {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Make a profile the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active profile is now %s\n", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("yaml", false, "print the resolved configuration as YAML")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configUseCmd)
}
