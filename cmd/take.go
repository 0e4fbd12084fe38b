package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/audiolibrelab/roomir/internal/measure"

	"github.com/spf13/cobra"
)

var takeCmd = &cobra.Command{
	Use:   "take <kind> <input>...",
	Short: "Run a measurement take and save it",
	Long: `Run one take of the given kind and save a measured thing per input.

Kinds: roomir, noisefloor, miccalibration (or calibration), sourcerecalibration.

Each input is a channel code, a channel name or, for roomir and noisefloor, a
group name. A group is recorded as one multi-channel thing named after it.

Examples:
  roomir take roomir array1 Ch3 -o O1 -e sweep18 -s S1 -r R1,R2
  roomir take noisefloor array1
  roomir take miccalibration Ch2

Press Ctrl+C to abort; nothing is saved for an aborted take.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		excitation, _ := cmd.Flags().GetString("excitation")
		source, _ := cmd.Flags().GetString("source")
		receivers, _ := cmd.Flags().GetStringSlice("receivers")

		params := measure.TakeParams{
			Kind:       args[0],
			InChannels: args[1:],
			OutChannel: out,
			Excitation: excitation,
			Source:     source,
			Receivers:  receivers,
		}
		slog.Info("Take command started", "kind", params.Kind, "inputs", strings.Join(params.InChannels, ","))

		// Handle interruption
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := newService().RunTake(ctx, params)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Take %s (%s, %d averages) saved in %s:\n", res.ID, res.Kind, res.Averages, res.Duration.Round(time.Millisecond))
		for _, name := range res.Names {
			fmt.Fprintf(w, "  %s\n", name)
		}
		return nil
	},
}

func init() {
	takeCmd.Flags().StringP("out", "o", "", "output channel playing the excitation (code or name)")
	takeCmd.Flags().StringP("excitation", "e", "", "excitation signal name")
	takeCmd.Flags().StringP("source", "s", "", "source position label")
	takeCmd.Flags().StringSliceP("receivers", "r", nil, "receiver position labels (R<n>), one per input")
}
