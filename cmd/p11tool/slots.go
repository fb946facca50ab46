package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSlotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Lists the slots a module exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := openModule()
			if err != nil {
				return err
			}
			defer module.Close()

			for _, slot := range module.Slots() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", slot.SlotId())
			}
			return nil
		},
	}
}
