package record

import (
	"testing"

	"github.com/marcus/replica/internal/message"
)

func TestModelChangeTracking(t *testing.T) {
	m := NewModel("todos", message.Attrs{"id": "a", "title": "first"})
	if !m.HasChanges() {
		t.Fatal("new model should report changes")
	}
	m.MarkSynced()
	if m.HasChanges() {
		t.Fatal("synced model should have no changes")
	}

	m.Set(message.Attrs{"done": true})
	changed := m.Changed()
	if len(changed) != 2 || changed["done"] != true || changed["id"] != "a" {
		t.Fatalf("Changed: got %v", changed)
	}
	if _, ok := changed["title"]; ok {
		t.Error("title was not changed since sync")
	}
}

func TestModelReset(t *testing.T) {
	m := NewModel("todos", message.Attrs{"id": "a", "title": "local"})
	calls := 0
	m.OnChange(func(*Model) { calls++ })

	m.Reset(message.Attrs{"id": "a", "title": "server"})
	if v, _ := m.Get("title"); v != "server" {
		t.Errorf("title: got %v, want server", v)
	}
	if m.HasChanges() {
		t.Error("reset should clear changes")
	}
	if !m.Synced() {
		t.Error("reset should mark synced")
	}
	if calls != 1 {
		t.Errorf("OnChange calls: got %d, want 1", calls)
	}
}

func TestCollectionOps(t *testing.T) {
	c := NewCollection("todos")
	c.Append(message.Attrs{"id": "a"}, message.Attrs{"id": "c"})
	c.Insert(1, message.Attrs{"id": "b"})

	if got := c.IDs(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("IDs: got %v", got)
	}
	if c.Index("c") != 2 {
		t.Errorf("Index(c): got %d", c.Index("c"))
	}
	if !c.Remove("b") || c.Remove("zz") {
		t.Error("Remove results wrong")
	}
	c.Truncate(1)
	if c.Len() != 1 || c.At(0).ID() != "a" {
		t.Errorf("after truncate: %v", c.IDs())
	}
	c.Reset([]message.Attrs{{"id": "x"}})
	if c.IDs()[0] != "x" {
		t.Errorf("after reset: %v", c.IDs())
	}
}

func TestModelOnChangeRegisteredDuringNotify(t *testing.T) {
	m := NewModel("todos", message.Attrs{"id": "a"})
	var outer, inner int
	m.OnChange(func(m *Model) {
		outer++
		if outer == 1 {
			m.OnChange(func(*Model) { inner++ })
		}
	})

	m.Set(message.Attrs{"title": "one"})
	if outer != 1 || inner != 0 {
		t.Fatalf("first change: outer=%d inner=%d, want 1 0", outer, inner)
	}
	m.Set(message.Attrs{"title": "two"})
	if outer != 2 || inner != 1 {
		t.Fatalf("second change: outer=%d inner=%d, want 2 1", outer, inner)
	}
}
