package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/voxdesk/internal/doctor"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:         "doctor",
		Short:       "Run diagnostic checks against the home directory",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			// A config that fails to load is itself a finding.
			cfg, err := ctx.ensureConfig()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), cfg, Version)
			if asJSON {
				if err := writeJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "voxdesk doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				rows := make([][]string, 0, len(diag.Results))
				for _, r := range diag.Results {
					rows = append(rows, []string{r.Status, r.Name, r.Message})
				}
				fmt.Fprintln(out, renderTable([]string{"Status", "Check", "Result"}, rows, nil))
			}
			if n := diag.Failed(); n > 0 {
				return fmt.Errorf("%d check(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
