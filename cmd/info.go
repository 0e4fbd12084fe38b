package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <kind> <name>",
	Short: "Show a saved measured thing",
	Long: `Follow the link <kind>/<name> of the campaign's MeasurementData file and
display the metadata and per-average recordings of the measured thing behind
it. A dangling link is reported as an error.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		thing, err := newService().LoadThing(args[0], args[1])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "=== %s ===\n", args[1])
		fmt.Fprintf(w, "kind: %s\n", thing.Kind)
		fmt.Fprintf(w, "array: %s\n", thing.ArrayName)
		fmt.Fprintf(w, "inputs: %s\n", strings.Join(thing.InChannels.Codes(), ", "))
		fmt.Fprintf(w, "output: %s\n", orNone(thing.OutCode()))
		fmt.Fprintf(w, "source: %s\n", orNone(thing.Source))
		fmt.Fprintf(w, "receiver: %s\n", orNone(thing.Receiver))
		fmt.Fprintf(w, "excitation: %s\n", orNone(thing.Excitation))
		fmt.Fprintf(w, "take: %s\n", thing.TakeID)

		fmt.Fprintf(w, "\n[Recordings]\n")
		for i, rec := range thing.Recordings {
			frames, chans := rec.Samples.Dims()
			fmt.Fprintf(w, "%d. %s  %d frames x %d channels @ %d Hz  T=%s RH=%s\n",
				i, rec.Timestamp.Format("2006-01-02 15:04:05"), frames, chans, rec.SamplingRate,
				formatReading(rec.Temperature), formatReading(rec.Humidity))
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func formatReading(v *float64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%.1f", *v)
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
