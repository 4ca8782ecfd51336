package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/engine"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/output"
	"github.com/marcus/replica/internal/record"
	"github.com/marcus/replica/internal/view"
)

var getCmd = &cobra.Command{
	Use:     "get <entity> [id]",
	Aliases: []string{"ls"},
	Short:   "Read one record or query a collection",
	Long: `With an id, reads one record from the server, falling back to the local
cache when offline. Without one, queries the collection.

Filter syntax:
  status = open AND owner = @me
  title ~ "milk" OR priority <= 2
  done = false sort:-updated_at

--where takes a CEL expression over the record, its id and now_ms, e.g.
  'record.priority > 1 && record.tags.exists(t, t == "home")'

Examples:
  replica get tasks t1
  replica get tasks --filter 'done = false' --sort -priority,title --limit 10
  replica get tasks --limit 10 --offset 10 --page next
  replica get tasks --local --fields title,done`,
	Args:    cobra.RangeArgs(1, 2),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		local, _ := cmd.Flags().GetBool("local")
		fieldsStr, _ := cmd.Flags().GetString("fields")
		var fields []string
		if fieldsStr != "" {
			for _, f := range strings.Split(fieldsStr, ",") {
				if f = strings.TrimSpace(f); f != "" {
					fields = append(fields, f)
				}
			}
		}

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer s.Close()

		entity := args[0]
		if _, err := s.ensure(ctx, entity); err != nil {
			return fail(jsonOut, err)
		}

		if len(args) == 2 {
			return getOne(cmd, s, entity, args[1], fields, local, jsonOut)
		}

		spec := view.Spec{Entity: entity, Fields: fields}
		spec.Filter, _ = cmd.Flags().GetString("filter")
		spec.Where, _ = cmd.Flags().GetString("where")
		spec.Sort, _ = cmd.Flags().GetString("sort")
		spec.Limit, _ = cmd.Flags().GetInt("limit")
		spec.Offset, _ = cmd.Flags().GetInt("offset")
		pageMode, _ := cmd.Flags().GetString("page")

		var src view.Source = s.engine.Source()
		if local {
			src = view.StoreSource{Store: s.store}
		}
		v, cancel, err := s.engine.View(ctx, spec, src)
		if err != nil {
			return fail(jsonOut, err)
		}
		defer cancel()

		switch pageMode {
		case "":
		case "next":
			err = v.FetchNext(ctx, src)
		case "prev":
			err = v.FetchPrev(ctx, src)
		case "more":
			err = v.FetchMore(ctx, src)
		default:
			err = fmt.Errorf("invalid --page %q (want next, prev or more)", pageMode)
		}
		if err != nil {
			return fail(jsonOut, err)
		}

		records := v.Records()
		st := v.Status()
		if jsonOut {
			return output.JSON(map[string]any{
				"records": records,
				"offset":  st.Offset,
				"limit":   st.Limit,
				"next":    st.Next,
				"prev":    st.Prev,
				"more":    st.More,
			})
		}
		if len(records) == 0 {
			fmt.Println("No records.")
			return nil
		}
		for _, r := range records {
			fmt.Println(output.FormatRecord(r, fields))
		}
		fmt.Println(pageSummary(st))
		return nil
	},
}

func getOne(cmd *cobra.Command, s *session, entity, id string, fields []string, local, jsonOut bool) error {
	ctx := cmd.Context()
	var attrs message.Attrs
	fromCache := local
	if local {
		a, err := s.store.Get(ctx, entity, id)
		if err != nil {
			return fail(jsonOut, fmt.Errorf("%s/%s: %w", entity, id, err))
		}
		attrs = a
	} else {
		m := record.NewModel(entity, message.Attrs{"id": id})
		res, err := s.engine.Sync(ctx, message.Read, m, engine.SyncOptions{})
		if err != nil {
			return fail(jsonOut, fmt.Errorf("read %s/%s: %w", entity, id, err))
		}
		attrs, fromCache = res.Attrs, res.Local
	}
	if len(fields) > 0 {
		attrs = attrs.Pick(append([]string{"id"}, fields...))
	}
	if jsonOut {
		return output.JSON(attrs)
	}
	fmt.Println(output.FormatRecord(attrs, fields))
	if fromCache && !local {
		output.Warning("server unreachable; showing cached copy")
	}
	return nil
}

func pageSummary(st view.Status) string {
	var parts []string
	if st.Limit > 0 {
		parts = append(parts, fmt.Sprintf("records %d-%d", st.Offset+1, st.Offset+st.Len))
	} else {
		parts = append(parts, fmt.Sprintf("%d records", st.Len))
	}
	if st.Prev {
		parts = append(parts, "prev page available")
	}
	if st.Next || st.More {
		parts = append(parts, "more available")
	}
	return output.SectionHeader("page") + strings.Join(parts, ", ")
}

func init() {
	getCmd.Flags().String("filter", "", "Filter query")
	getCmd.Flags().String("where", "", "CEL predicate")
	getCmd.Flags().String("sort", "", "Sort fields, comma separated; prefix - for descending")
	getCmd.Flags().Int("limit", 0, "Page size (0 for all)")
	getCmd.Flags().Int("offset", 0, "Records to skip")
	getCmd.Flags().String("page", "", "Page after the first fetch: next, prev or more")
	getCmd.Flags().String("fields", "", "Comma separated fields to show")
	getCmd.Flags().Bool("local", false, "Read only from the local cache")
	getCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(getCmd)
}
