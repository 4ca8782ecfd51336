package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/output"
	"github.com/marcus/replica/internal/store"
)

const tailPollInterval = time.Second

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent sync activity",
	Long: `Show recent push, pull and conflict events. Use -f to follow in real-time.

Examples:
  replica tail          # Show last 20 sync events
  replica tail -f       # Follow new events in real-time
  replica tail -n 50    # Show last 50 events
  replica tail -f -n 0  # Follow only new events, skip history`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")
		jsonOut, _ := cmd.Flags().GetBool("json")

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()

		var entries []store.HistoryEntry
		if lines > 0 {
			entries, err = s.store.HistoryTail(ctx, lines)
			if err != nil {
				return fail(jsonOut, fmt.Errorf("query sync history: %w", err))
			}
		}

		var maxID int64
		for _, e := range entries {
			printHistory(e, jsonOut)
			maxID = max(maxID, e.ID)
		}

		if !follow {
			if len(entries) == 0 && !jsonOut {
				fmt.Println("No sync activity recorded.")
			}
			return nil
		}

		// Following without history: start after the newest row.
		if maxID == 0 && lines == 0 {
			if tail, _ := s.store.HistoryTail(ctx, 1); len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		ticker := time.NewTicker(tailPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if !jsonOut {
					fmt.Println()
				}
				return nil
			case <-ticker.C:
				newEntries, err := s.store.HistorySince(ctx, maxID, 100)
				if err != nil {
					slog.Debug("tail: poll", "err", err)
					continue
				}
				for _, e := range newEntries {
					printHistory(e, jsonOut)
					maxID = max(maxID, e.ID)
				}
			}
		}
	},
}

func printHistory(e store.HistoryEntry, jsonOut bool) {
	if jsonOut {
		_ = output.JSON(e)
		return
	}
	line := output.FormatHistory(e)
	if e.Direction == store.DirectionPull && e.DeviceID != "" {
		line += fmt.Sprintf(" from:%s", truncateID(e.DeviceID, 12))
	}
	fmt.Println(line)
}

func truncateID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n-3] + "..."
}

func init() {
	tailCmd.Flags().BoolP("follow", "f", false, "Follow new events in real-time")
	tailCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	tailCmd.Flags().Bool("json", false, "One JSON object per event")
	rootCmd.AddCommand(tailCmd)
}
