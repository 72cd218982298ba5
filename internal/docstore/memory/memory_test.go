package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ndolo/messenger/internal/docstore"
)

type fixture struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
	Rank int      `json:"rank"`
}

func TestCRUDAndPatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc, err := s.Create(ctx, "things", "", fixture{Name: "a", Rank: 1})
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" {
		t.Fatal("expected assigned id")
	}

	got, err := s.Get(ctx, "things", doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	var f fixture
	if err := got.Decode(&f); err != nil || f.Name != "a" {
		t.Fatalf("decode: %v %+v", err, f)
	}

	if _, err := s.Update(ctx, "things", doc.ID, map[string]any{"name": "b", "rank": nil}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "things", doc.ID)
	var fields map[string]any
	if err := got.Decode(&fields); err != nil {
		t.Fatal(err)
	}
	if fields["name"] != "b" {
		t.Fatalf("patch not applied: %v", fields)
	}
	if _, ok := fields["rank"]; ok {
		t.Fatal("nil patch value should remove the field")
	}

	if err := s.Delete(ctx, "things", doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "things", doc.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersOrderingPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, f := range []fixture{
		{Name: "m1", Tags: []string{"u1", "u2"}, Rank: 3},
		{Name: "m2", Tags: []string{"u2", "u3"}, Rank: 1},
		{Name: "m3", Tags: []string{"u1", "u3"}, Rank: 2},
	} {
		if _, err := s.Create(ctx, "things", f.Name, f); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.List(ctx, "things", docstore.Query{
		Filters: []docstore.Filter{{Field: "tags", Op: docstore.OpContains, Values: []any{"u1"}}},
		OrderBy: "name", Desc: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || list.Documents[0].ID != "m3" || list.Documents[1].ID != "m1" {
		t.Fatalf("contains+order wrong: total=%d docs=%v", list.Total, list.Documents)
	}

	list, err = s.List(ctx, "things", docstore.Query{
		Filters: []docstore.Filter{{Field: "name", Op: docstore.OpIn, Values: []any{"m1", "m2"}}},
		Limit:   1, Offset: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || len(list.Documents) != 1 || list.Documents[0].ID != "m2" {
		t.Fatalf("in+paging wrong: %+v", list)
	}

	list, err = s.List(ctx, "things", docstore.Query{
		Filters: []docstore.Filter{{Field: "rank", Op: docstore.OpEqual, Values: []any{2}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Documents[0].ID != "m3" {
		t.Fatalf("numeric eq should match after JSON normalization: %+v", list)
	}
}

func TestWatchFanoutAndCancel(t *testing.T) {
	s := New()
	ctx := context.Background()

	var got []docstore.Event
	cancel := s.Watch("things", func(ev docstore.Event) { got = append(got, ev) })
	var all []docstore.Event
	cancelAll := s.WatchAll(func(ev docstore.Event) { all = append(all, ev) })
	defer cancelAll()

	doc, _ := s.Create(ctx, "things", "", fixture{Name: "x"})
	s.Update(ctx, "things", doc.ID, map[string]any{"name": "y"})
	s.Create(ctx, "other", "", fixture{Name: "z"})

	if len(got) != 2 || got[0].Kind != docstore.EventCreate || got[1].Kind != docstore.EventUpdate {
		t.Fatalf("collection watcher events wrong: %+v", got)
	}
	if len(all) != 3 {
		t.Fatalf("WatchAll should see every collection, got %d", len(all))
	}

	cancel()
	s.Delete(ctx, "things", doc.ID)
	if len(got) != 2 {
		t.Fatal("cancelled watcher still receiving events")
	}
	if all[len(all)-1].Kind != docstore.EventDelete || all[len(all)-1].Document.ID != doc.ID {
		t.Fatalf("delete event should carry last known document: %+v", all[len(all)-1])
	}
}
