package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/roomir/internal/service"

	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:     "ports",
	Aliases: []string{"sources"},
	Short:   "List audio devices and serial ports",
	Long: `List the PipeWire audio nodes whose ids go into audio.device, and the
serial ports a temperature/humidity sensor can be attached to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(nil, cfgFile, service.Deps{})
		w := cmd.OutOrStdout()

		devices, err := svc.ListDevices(cmd.Context())
		if err != nil {
			slog.Warn("Could not list PipeWire devices", "error", err)
		} else {
			fmt.Fprintf(w, "PIPEWIRE DEVICES (%d found):\n", len(devices))
			for _, d := range devices {
				fmt.Fprintf(w, "  %4d  %-14s %2d ch  %s\n", d.ID, d.MediaClass, d.Channels, d.Description)
			}
		}

		ports, err := svc.ListSerialPorts()
		if err != nil {
			return fmt.Errorf("failed to list serial ports: %w", err)
		}
		fmt.Fprintf(w, "\nSERIAL PORTS (%d found):\n", len(ports))
		for _, p := range ports {
			fmt.Fprintf(w, "  %s\n", p)
		}
		return nil
	},
}
