package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/etera-expander/db"
)

var (
	loopModeDB   string
	loopModeLoop int
	loopModeMode string
)

var setLoopModeCmd = &cobra.Command{
	Use:   "set-loop-mode",
	Short: "Set the operator mode of a heating loop in the database",
	Long: `Writes the mode straight to the sqlite database. The running controller
picks it up on its next cycle. Entering expedited starts its three hour timer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.SetLoopModeCLI(loopModeDB, loopModeLoop, loopModeMode); err != nil {
			return fmt.Errorf("set-loop-mode failed: %w", err)
		}
		fmt.Printf("Loop %d set to %s\n", loopModeLoop, loopModeMode)
		return nil
	},
}

func init() {
	setLoopModeCmd.Flags().StringVar(&loopModeDB, "db", "data/etera-expander.db", "Path to the SQLite database file")
	setLoopModeCmd.Flags().IntVar(&loopModeLoop, "loop", 0, "Loop ID (0-3)")
	setLoopModeCmd.Flags().StringVar(&loopModeMode, "mode", "", "Mode: off, on, expedited, standby")
	setLoopModeCmd.MarkFlagRequired("mode")
	rootCmd.AddCommand(setLoopModeCmd)
}
