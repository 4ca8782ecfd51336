package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/engine"
	"github.com/marcus/replica/internal/output"
	"github.com/marcus/replica/internal/transport"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity...]",
	Short: "Pull server changes and replay the offline queue",
	Long: `Connects the configured entities: pulls every change after the stored
cursor, then replays queued mutations in priority order.

Examples:
  replica sync              # pull and replay everything
  replica sync tasks        # only the tasks entity
  replica sync --pull       # pull only
  replica sync --push       # replay only`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		jsonOut, _ := cmd.Flags().GetBool("json")
		if pushOnly && pullOnly {
			return fail(jsonOut, errors.New("--push and --pull are mutually exclusive"))
		}

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()

		var eps []*endpoint.Endpoint
		for _, name := range args {
			ep, err := s.ensure(ctx, name)
			if err != nil {
				return fail(jsonOut, err)
			}
			eps = append(eps, ep)
		}
		if len(eps) == 0 {
			eps = s.engine.Registry().All()
		}
		if len(eps) == 0 && !pushOnly {
			output.Warning("no entities configured (run: replica config init)")
		}

		report := syncReport{}
		var errs []error
		if !pushOnly {
			for _, ep := range eps {
				row := pullRow{Entity: ep.Entity}
				if pullOnly {
					res, err := s.engine.Reconciler().Pull(ctx, ep)
					row.Applied, row.Cursor, row.Err = res.Applied, res.Cursor, errString(err)
					if err != nil {
						errs = append(errs, fmt.Errorf("pull %s: %w", ep.Entity, err))
					}
				} else {
					res, err := s.engine.OnConnect(ctx, ep.Entity)
					row.Applied, row.Cursor, row.Err = res.Applied, res.Cursor, errString(err)
					if err != nil {
						errs = append(errs, err)
					}
				}
				report.Pulled = append(report.Pulled, row)
			}
		}
		if pushOnly {
			res, err := s.engine.Replay(ctx)
			report.Replay = &res
			if err != nil {
				errs = append(errs, err)
			}
		}
		if n, err := s.engine.Queue().Len(ctx); err == nil {
			report.Queued = n
		}

		err = errors.Join(errs...)
		if jsonOut {
			if jerr := output.JSON(report); jerr != nil {
				return jerr
			}
			return err
		}
		printSyncReport(report)
		if err != nil {
			if transport.IsConnectivity(err) {
				output.Warning("server unreachable; %d mutation(s) stay queued", report.Queued)
				return nil
			}
			output.Error("%v", err)
		}
		return err
	},
}

type pullRow struct {
	Entity  string `json:"entity"`
	Applied int    `json:"applied"`
	Cursor  int64  `json:"cursor"`
	Err     string `json:"error,omitempty"`
}

type syncReport struct {
	Pulled []pullRow            `json:"pulled,omitempty"`
	Replay *engine.ReplayResult `json:"replay,omitempty"`
	Queued int                  `json:"queued"`
}

func printSyncReport(r syncReport) {
	for _, row := range r.Pulled {
		if row.Err != "" {
			fmt.Printf("%-16s %s\n", row.Entity, row.Err)
			continue
		}
		fmt.Printf("%-16s pulled %d change(s), cursor %s\n", row.Entity, row.Applied, output.FormatCursor(row.Cursor))
	}
	if r.Replay != nil {
		fmt.Printf("replayed %d, rejected %d, dropped %d\n", r.Replay.Sent, r.Replay.Rejected, r.Replay.Dropped)
		if r.Replay.BlockedOn != "" {
			output.Warning("replay stopped at %s", r.Replay.BlockedOn)
		}
	}
	if r.Queued == 0 {
		output.Success("queue empty")
	} else {
		fmt.Printf("%d mutation(s) queued\n", r.Queued)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func init() {
	syncCmd.Flags().Bool("push", false, "Replay the queue only")
	syncCmd.Flags().Bool("pull", false, "Pull only")
	syncCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(syncCmd)
}
