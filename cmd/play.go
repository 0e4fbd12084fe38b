package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <excitation>",
	Short: "Audition an excitation signal",
	Long: `Play an excitation of the stored setup through one output channel, without
recording anything. Use it to set source levels before a take.

Example:
  roomir play sweep18 -o O1 -n 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		repeat, _ := cmd.Flags().GetInt("repeat")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := newService().Audition(ctx, args[0], out, repeat); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Played %s on %s %d time(s)\n", args[0], out, max(repeat, 1))
		return nil
	},
}

func init() {
	playCmd.Flags().StringP("out", "o", "", "output channel to play on (code or name)")
	playCmd.Flags().IntP("repeat", "n", 1, "number of times to play the signal")
	playCmd.MarkFlagRequired("out")
}
