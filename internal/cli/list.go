package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known downloads and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildManager()
		if err != nil {
			return err
		}
		defer m.Close()

		tasks := m.AllTasks()
		if len(tasks) == 0 {
			fmt.Println("no downloads")
			return nil
		}
		for _, info := range tasks {
			fmt.Printf("#%-4d %-10s %6.1f%%  %s\n", info.TaskID, info.State, info.Progress.ProgressPercent, info.FileName)
			if info.FileSize > 0 {
				fmt.Printf("       %s / %s\n", humanize.Bytes(uint64(info.Progress.DownloadedBytes)), humanize.Bytes(uint64(info.FileSize)))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
