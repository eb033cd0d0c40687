package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show completed, failed, and cancelled downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildManager()
		if err != nil {
			return err
		}
		defer m.Close()

		entries, err := m.History(historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no history yet")
			return nil
		}
		for _, e := range entries {
			when := time.Unix(e.CompletedAt, 0).Format(time.RFC3339)
			fmt.Printf("#%-4d %-10s %s  %s (%s)\n", e.TaskID, e.Status, when, e.FileName, humanize.Bytes(uint64(e.TotalSize)))
			if e.Error != "" {
				fmt.Printf("       %s\n", e.Error)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of entries to show")
}
