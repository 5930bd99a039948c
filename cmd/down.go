package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackctl/internal/runner"
)

func newDownCmd() *cobra.Command {
	var deployment string

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Remove a deployment's containers and managed resources",
		Long: `Removes every container, managed volume, and managed network carrying
the given deployment's label. Use this to clean up after a supervising
"up" process that exited without tearing its deployment down. External
volumes and networks are never removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := runner.RemoveDeployment(cmd.Context(), deployment)
			if err != nil {
				return err
			}
			fmt.Printf("Deployment %s: removed %d containers, %d volumes, %d networks\n",
				deployment, removed.Containers, removed.Volumes, removed.Networks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&deployment, "deployment", "d", "", "deployment ID to remove")
	_ = cmd.MarkFlagRequired("deployment")
	return cmd
}
