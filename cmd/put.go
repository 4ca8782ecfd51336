package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/engine"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/output"
	"github.com/marcus/replica/internal/record"
	"github.com/marcus/replica/internal/store"
)

var putCmd = &cobra.Command{
	Use:   "put <entity> <id> [key=value...]",
	Short: "Create, replace or patch a record",
	Long: `Writes a record. The change is applied to the local cache, queued, and
sent to the server when it is reachable.

Values are parsed as JSON when possible (numbers, true/false, null, quoted
strings, arrays, objects) and kept as strings otherwise.

Examples:
  replica put tasks t1 title="Buy milk" done=false
  replica put tasks t1 done=true --patch
  replica put tasks - title=Draft --create      # generate an id
  replica put tasks t2 title=Later --offline    # queue without sending`,
	Args:    cobra.MinimumNArgs(2),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		patch, _ := cmd.Flags().GetBool("patch")
		create, _ := cmd.Flags().GetBool("create")
		offline, _ := cmd.Flags().GetBool("offline")
		priority, _ := cmd.Flags().GetInt("priority")
		if patch && create {
			return fail(jsonOut, errors.New("--patch and --create are mutually exclusive"))
		}

		entity, id := args[0], args[1]
		attrs, err := parseAssignments(args[2:])
		if err != nil {
			return fail(jsonOut, err)
		}

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()
		if _, err := s.ensure(ctx, entity); err != nil {
			return fail(jsonOut, err)
		}

		method := message.Update
		var m *record.Model
		switch {
		case create:
			method = message.Create
			if id != "-" {
				attrs["id"] = id
			}
			m = record.NewModel(entity, attrs)
		case patch:
			method = message.Patch
			current, err := s.store.Get(ctx, entity, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fail(jsonOut, err)
			}
			if current == nil {
				current = message.Attrs{"id": id}
			}
			m = record.NewModel(entity, current)
			m.MarkSynced()
			m.Set(attrs)
		default:
			attrs["id"] = id
			m = record.NewModel(entity, attrs)
		}

		res, err := s.engine.Sync(ctx, method, m, engine.SyncOptions{Priority: priority, NoDispatch: offline})
		if err != nil {
			return fail(jsonOut, err)
		}
		return reportSync(jsonOut, method, entity, m.ID(), res)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <entity> <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a record",
	Long: `Deletes a record locally and on the server. Deleting a record whose create
is still queued cancels both without contacting the server.`,
	Args:    cobra.ExactArgs(2),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		offline, _ := cmd.Flags().GetBool("offline")
		entity, id := args[0], args[1]

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()
		if _, err := s.ensure(ctx, entity); err != nil {
			return fail(jsonOut, err)
		}

		m := record.NewModel(entity, message.Attrs{"id": id})
		res, err := s.engine.Sync(ctx, message.Delete, m, engine.SyncOptions{NoDispatch: offline})
		if err != nil {
			return fail(jsonOut, err)
		}
		return reportSync(jsonOut, message.Delete, entity, id, res)
	},
}

// reportSync prints the outcome of a mutation.
func reportSync(jsonOut bool, method message.Method, entity, id string, res engine.Result) error {
	if jsonOut {
		return output.JSON(map[string]any{
			"method":    method,
			"entity":    entity,
			"id":        id,
			"queued":    res.Queued,
			"cancelled": res.Cancelled,
			"record":    res.Attrs,
		})
	}
	key := fmt.Sprintf("%s/%s", entity, id)
	switch {
	case res.Cancelled:
		output.Success("cancelled queued create of %s", key)
	case res.Queued:
		output.Warning("%s %s queued; it will be sent when the server is reachable", method, key)
	default:
		output.Success("%s %s", method, key)
	}
	if res.Attrs != nil {
		fmt.Println(output.FormatRecord(res.Attrs, nil))
	}
	return nil
}

func init() {
	putCmd.Flags().Bool("patch", false, "Send only the given keys")
	putCmd.Flags().Bool("create", false, "Create a new record (id \"-\" lets the client pick one)")
	putCmd.Flags().Bool("offline", false, "Queue without contacting the server")
	putCmd.Flags().Int("priority", 0, "Queue priority (lower replays first; 0 uses the entity priority)")
	putCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(putCmd)

	rmCmd.Flags().Bool("offline", false, "Queue without contacting the server")
	rmCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(rmCmd)
}
