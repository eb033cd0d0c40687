package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rangefetch/internal/task"
)

var (
	addOutput  string
	addReferer string
	addCookie  string
)

var addCmd = &cobra.Command{
	Use:   "add <url>...",
	Short: "Add one or more downloads and watch them to completion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildManager()
		if err != nil {
			return err
		}
		defer m.Close()

		ids := make([]int, 0, len(args))
		for _, url := range args {
			id, err := m.Add(url, addOutput, addReferer, addCookie)
			if err != nil {
				fmt.Println("skip:", err)
				continue
			}
			fmt.Printf("queued #%d %s\n", id, url)
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return fmt.Errorf("no downloads were queued")
		}
		watch(m, ids)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringVarP(&addOutput, "output", "o", "", "output directory (default: configured default_save_dir)")
	addCmd.Flags().StringVar(&addReferer, "referer", "", "Referer header to send")
	addCmd.Flags().StringVar(&addCookie, "cookie", "", "Cookie header to send")
}

// watch polls the manager until every id in ids reaches a terminal state,
// printing a progress line per task every half second.
func watch(m interface {
	AllTasks() []task.Info
}, ids []int) {
	pending := make(map[int]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	for len(pending) > 0 {
		time.Sleep(500 * time.Millisecond)
		for _, info := range m.AllTasks() {
			if !pending[info.TaskID] {
				continue
			}
			printProgress(info)
			if isTerminalState(info.State) {
				delete(pending, info.TaskID)
			}
		}
	}
}

func isTerminalState(s task.State) bool {
	return s == task.Completed || s == task.Failed || s == task.Cancelled
}

func printProgress(info task.Info) {
	switch info.State {
	case task.Completed:
		fmt.Printf("#%d %s: done (%s)\n", info.TaskID, info.FileName, humanize.Bytes(uint64(info.FileSize)))
	case task.Failed:
		fmt.Printf("#%d %s: failed: %s\n", info.TaskID, info.FileName, info.ErrorMessage)
	case task.Cancelled:
		fmt.Printf("#%d %s: cancelled\n", info.TaskID, info.FileName)
	default:
		p := info.Progress
		fmt.Printf("#%d %s: %.1f%% at %s/s\n", info.TaskID, info.FileName, p.ProgressPercent, humanize.Bytes(uint64(p.SpeedBytesPerSec)))
	}
}
