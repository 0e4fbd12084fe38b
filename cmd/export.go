package cmd

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/audiolibrelab/roomir/internal/export"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <kind> <name>",
	Short: "Render a saved measured thing to audio files",
	Long: `Write every average of a saved measured thing to its own multi-channel
audio file with ffmpeg. Files are named <name>_avg<i>.<format> and go to the
campaign's export directory unless --dir is given.

Formats: ` + strings.Join(slices.Sorted(maps.Keys(export.Formats)), ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		format, _ := cmd.Flags().GetString("format")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		files, err := newService().ExportThing(ctx, args[0], args[1], export.Options{Dir: dir, Format: format})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Exported %d file(s):\n", len(files))
		for _, f := range files {
			fmt.Fprintf(w, "  %s\n", f)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("dir", "d", "", "output directory (default <campaign>/export)")
	exportCmd.Flags().StringP("format", "f", "wav", "audio file format")
}
