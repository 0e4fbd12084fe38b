package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/roomir/internal/store"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the storage of the selected campaign",
	Long: `Create the campaign directory with its MeasurementData file holding the
measurement setup built from the configuration.

An existing campaign is never replaced unless --overwrite is given, in which
case every file in the campaign directory is removed first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		exportSetup, _ := cmd.Flags().GetBool("export-setup")

		svc := newService()
		location, err := svc.InitCampaign(store.InitOptions{Overwrite: overwrite})
		if err != nil {
			return err
		}
		if exportSetup {
			if err := svc.ExportSetup(); err != nil {
				return fmt.Errorf("failed to export setup: %w", err)
			}
		}

		slog.Debug("Init command completed", "location", location)
		fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s initialised in %s\n", cfg.Name, location)
		return nil
	},
}

var exportSetupCmd = &cobra.Command{
	Use:   "export-setup",
	Short: "Write the setup to a standalone MeasurementSetup file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newService().ExportSetup(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Setup exported to %s\n", cfg.CampaignDir())
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("overwrite", false, "replace an existing campaign, deleting its measurements")
	initCmd.Flags().Bool("export-setup", false, "also write the standalone MeasurementSetup file")
}
