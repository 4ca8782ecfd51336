package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "List mutations waiting to be sent",
	Long: `Lists the offline queue in replay order (priority, then time, then id).
Entries for the same record are already merged.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		showData, _ := cmd.Flags().GetBool("data")

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()

		pending, err := s.engine.Queue().Pending(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		if jsonOut {
			if pending == nil {
				pending = []message.Message{}
			}
			return output.JSON(pending)
		}
		if len(pending) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		fmt.Printf("%d pending mutation(s):\n\n", len(pending))
		for _, m := range pending {
			fmt.Println(output.FormatQueued(m))
			if showData && len(m.Data) > 0 {
				fmt.Println("    " + output.FormatRecord(m.Data, nil))
			}
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("json", false, "JSON output")
	queueCmd.Flags().Bool("data", false, "Show queued attributes")
	rootCmd.AddCommand(queueCmd)
}
