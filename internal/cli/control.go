package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func idArgs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>...",
	Short: "Pause one or more downloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := idArgs(args)
		if err != nil {
			return err
		}
		m, err := buildManager()
		if err != nil {
			return err
		}
		defer m.Close()
		for _, id := range ids {
			m.Pause(id)
			fmt.Printf("paused #%d\n", id)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>...",
	Short: "Resume one or more paused or failed downloads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := idArgs(args)
		if err != nil {
			return err
		}
		m, err := buildManager()
		if err != nil {
			return err
		}
		defer m.Close()
		for _, id := range ids {
			m.Resume(id)
			fmt.Printf("resumed #%d\n", id)
		}
		watch(m, ids)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel one or more downloads and remove their partial files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := idArgs(args)
		if err != nil {
			return err
		}
		m, err := buildManager()
		if err != nil {
			return err
		}
		defer m.Close()
		for _, id := range ids {
			m.Cancel(id)
			fmt.Printf("cancelled #%d\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd)
}
