package cmd

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/output"
	"github.com/marcus/replica/internal/transport"
	"github.com/marcus/replica/internal/view"
	"github.com/marcus/replica/pkg/monitor"
)

var watchCmd = &cobra.Command{
	Use:   "watch <entity>",
	Short: "Live view of a collection",
	Long: `Opens a terminal view of a collection that follows server pushes and
local mutations as they happen.

Keys: j/k move, n/p page, / edit filter, s sync, q quit.`,
	Args:    cobra.ExactArgs(1),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		// The TUI owns the terminal; keep logs out of it.
		slog.SetDefault(slog.New(slog.DiscardHandler))

		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer s.Close()

		ep, err := s.ensure(ctx, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		spec := view.Spec{Entity: ep.Entity}
		spec.Filter, _ = cmd.Flags().GetString("filter")
		spec.Where, _ = cmd.Flags().GetString("where")
		spec.Sort, _ = cmd.Flags().GetString("sort")
		spec.Limit, _ = cmd.Flags().GetInt("limit")
		if fields, _ := cmd.Flags().GetString("fields"); fields != "" {
			spec.Fields = strings.Split(fields, ",")
		}

		if _, err := s.engine.OnConnect(ctx, ep.Entity); err != nil && !transport.IsConnectivity(err) {
			output.Error("%v", err)
			return err
		}

		b := &watchBackend{s: s, ep: ep, spec: spec}
		if err := b.open(ctx); err != nil {
			output.Error("%v", err)
			return err
		}
		defer b.close()

		if err := s.engine.StartPush(ctx); err != nil {
			slog.Debug("watch: push unavailable", "err", err)
		}

		p := tea.NewProgram(monitor.NewModel(b, ep.Entity, spec.Fields, spec.Filter), tea.WithAltScreen(), tea.WithContext(ctx))
		b.OnChange(func() { p.Send(monitor.ChangedMsg{}) })
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	},
}

// watchBackend drives a live view for the monitor.
type watchBackend struct {
	s    *session
	ep   *endpoint.Endpoint
	spec view.Spec

	mu       sync.Mutex
	v        *view.Context
	cancel   func()
	onChange func()
}

// open builds the view for b.spec and swaps it in.
func (b *watchBackend) open(ctx context.Context) error {
	b.mu.Lock()
	spec := b.spec
	b.mu.Unlock()
	v, cancel, err := b.s.engine.View(ctx, spec, nil)
	if err != nil {
		return err
	}
	v.OnChange(func(*view.Context) { b.changed() })

	b.mu.Lock()
	old := b.cancel
	b.v, b.cancel = v, cancel
	b.mu.Unlock()
	if old != nil {
		old()
	}
	b.changed()
	return nil
}

func (b *watchBackend) close() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *watchBackend) changed() {
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *watchBackend) view() *view.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

func (b *watchBackend) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *watchBackend) Snapshot() ([]message.Attrs, view.Status) {
	v := b.view()
	return v.Records(), v.Status()
}

func (b *watchBackend) Health(ctx context.Context) monitor.Health {
	h := monitor.Health{State: b.ep.State().String(), Cursor: b.ep.LastMessageTime()}
	if n, err := b.s.engine.Queue().Len(ctx); err == nil {
		h.Queued = n
	}
	return h
}

func (b *watchBackend) SetFilter(ctx context.Context, filter string) error {
	b.mu.Lock()
	b.spec.Filter = filter
	b.spec.Offset = 0
	b.mu.Unlock()
	return b.open(ctx)
}

func (b *watchBackend) Page(ctx context.Context, dir int) error {
	v := b.view()
	src := b.s.engine.Source()
	if dir < 0 {
		return v.FetchPrev(ctx, src)
	}
	return v.FetchNext(ctx, src)
}

func (b *watchBackend) Sync(ctx context.Context) error {
	_, err := b.s.engine.OnConnect(ctx, b.ep.Entity)
	return err
}

func init() {
	watchCmd.Flags().String("filter", "", "Filter query")
	watchCmd.Flags().String("where", "", "CEL predicate")
	watchCmd.Flags().String("sort", "", "Sort fields, comma separated; prefix - for descending")
	watchCmd.Flags().Int("limit", 0, "Page size (0 for all)")
	watchCmd.Flags().String("fields", "", "Comma separated columns")
	rootCmd.AddCommand(watchCmd)
}
