package cmd

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/roomir/internal/measure"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List the measurements saved in the campaign",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newService().Status()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			out, err := yaml.Marshal(st)
			if err != nil {
				return fmt.Errorf("error marshaling status: %w", err)
			}
			_, err = w.Write(out)
			return err
		}

		fmt.Fprintf(w, "=== CAMPAIGN %s ===\n", st.Name)
		fmt.Fprintf(w, "location: %s\n", st.Location)
		for _, kind := range measure.Kinds {
			fmt.Fprintf(w, "\n[%s] %d\n", kind, st.Count(kind))
			for _, name := range st.Things[kind] {
				fmt.Fprintf(w, "  %s\n", name)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "print the status as YAML")
}
