package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/config"
	"github.com/marcus/replica/internal/output"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show endpoints, cursors and queue size",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		check, _ := cmd.Flags().GetBool("check")

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()

		report := output.StatusReport{
			Server:   config.ServerURL(),
			Identity: s.engine.Registry().Identity(),
			Backend:  config.Backend(),
			DBPath:   s.dbPath,
		}
		for _, ep := range s.engine.Registry().All() {
			report.Endpoints = append(report.Endpoints, output.EndpointStatus{
				Entity:   ep.Entity,
				Root:     ep.RemoteRoot,
				Channel:  ep.Channel,
				State:    ep.State().String(),
				Cursor:   ep.LastMessageTime(),
				Priority: ep.Priority,
			})
		}
		pending, err := s.engine.Queue().Pending(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		report.Queued = len(pending)
		for _, m := range pending {
			if report.Oldest == 0 || m.Time < report.Oldest {
				report.Oldest = m.Time
			}
		}

		var health string
		if check {
			if h, err := s.remote.HealthCheck(ctx, report.Server); err != nil {
				health = "unreachable: " + err.Error()
			} else {
				health = h.Status
				if health == "" {
					health = "ok"
				}
			}
		}

		if jsonOut {
			out := map[string]any{"status": report}
			if check {
				out["health"] = health
			}
			return output.JSON(out)
		}

		rendered, err := output.RenderMarkdown(output.StatusMarkdown(report))
		if err != nil {
			fmt.Print(output.StatusMarkdown(report))
		} else {
			fmt.Println(rendered)
		}
		if check {
			fmt.Printf("\nserver: %s\n", health)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "JSON output")
	statusCmd.Flags().Bool("check", false, "Check that the server is reachable")
	rootCmd.AddCommand(statusCmd)
}
