package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stackctl/internal/dependency"
	"stackctl/internal/descriptor"
)

func newValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a declaration and print its launch plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			dep, err := descriptor.LoadFile(file)
			if err != nil {
				return err
			}

			if err := descriptor.Validate(dep); err != nil {
				var verr *descriptor.ValidationError
				if errors.As(err, &verr) {
					fmt.Printf("Declaration %s is invalid (%d problems):\n", file, len(verr.Problems))
					for _, p := range verr.Problems {
						fmt.Printf("  - %s\n", p)
					}
					return fmt.Errorf("%d validation problems", len(verr.Problems))
				}
				return err
			}

			batches, err := dependency.New(dep).Resolve()
			if err != nil {
				return err
			}

			fmt.Printf("Declaration %s is valid: %d services, %d volumes, %d networks\n",
				file, len(dep.Services), len(dep.Volumes), len(dep.Networks))
			fmt.Println("Launch plan:")
			for i, batch := range batches {
				fmt.Printf("  batch %d: %s\n", i+1, strings.Join(batch, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "stackctl.yaml", "deployment declaration file")
	return cmd
}
