package registry

import (
	"context"
	"errors"
	"testing"
)

type stubLister struct {
	names []string
	err   error
	calls int
}

func (s *stubLister) ListAssets(ctx context.Context) ([]string, error) {
	s.calls++
	return s.names, s.err
}

func TestRegistry_RefreshSortsDeduplicatesAndAutoSelects(t *testing.T) {
	r := New()
	lister := &stubLister{names: []string{"b.mp4", "a.mp4", "b.mp4", ""}}

	names, err := r.Refresh(context.Background(), lister)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if len(names) != 2 || names[0] != "a.mp4" || names[1] != "b.mp4" {
		t.Fatalf("unexpected names: %v", names)
	}
	if r.Selected() != "a.mp4" {
		t.Fatalf("expected auto-select of a.mp4, got %q", r.Selected())
	}
}

func TestRegistry_RefreshFailureKeepsState(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4"})

	boom := errors.New("boom")
	if _, err := r.Refresh(context.Background(), &stubLister{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := r.Names(); len(got) != 1 || got[0] != "a.mp4" {
		t.Fatalf("state changed after failed refresh: %v", got)
	}
	if r.Selected() != "a.mp4" {
		t.Fatalf("selection changed after failed refresh: %q", r.Selected())
	}
}

func TestRegistry_AutoSelectNeverOverridesExplicitChoice(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4", "b.mp4"})
	if !r.Select("b.mp4") {
		t.Fatal("expected select to succeed")
	}

	r.Replace([]string{"a.mp4", "b.mp4", "c.mp4"})
	if r.Selected() != "b.mp4" {
		t.Fatalf("explicit selection overridden: %q", r.Selected())
	}
}

func TestRegistry_AutoSelectFiresOncePerEmptyTransition(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4", "b.mp4"})
	r.ClearSelection()

	// 非空 -> 非空 不触发
	r.Replace([]string{"a.mp4", "b.mp4"})
	if r.Selected() != "" {
		t.Fatalf("auto-select fired without empty transition: %q", r.Selected())
	}

	r.Replace(nil)
	r.Replace([]string{"c.mp4"})
	if r.Selected() != "c.mp4" {
		t.Fatalf("expected auto-select after empty transition, got %q", r.Selected())
	}
}

func TestRegistry_ReplaceDropsMissingSelection(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4", "b.mp4"})
	r.Select("b.mp4")

	r.Replace([]string{"a.mp4"})
	if r.Selected() != "" {
		t.Fatalf("selection must be cleared when no longer a member, got %q", r.Selected())
	}
}

func TestRegistry_SelectUnknownIsNoop(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4"})

	if r.Select("zzz.mp4") {
		t.Fatal("expected select of unknown filename to fail")
	}
	if r.Selected() != "a.mp4" {
		t.Fatalf("selection changed: %q", r.Selected())
	}
}

func TestRegistry_RecordUploadedIsIdempotent(t *testing.T) {
	r := New()
	r.RecordUploaded("b.mp4")
	r.RecordUploaded("a.mp4")
	r.RecordUploaded("b.mp4")

	got := r.Names()
	if len(got) != 2 || got[0] != "a.mp4" || got[1] != "b.mp4" {
		t.Fatalf("unexpected names: %v", got)
	}
	if r.Selected() != "b.mp4" {
		t.Fatalf("expected b.mp4 selected, got %q", r.Selected())
	}
}

func TestRegistry_RecordDeleted(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4", "b.mp4"})
	r.Select("b.mp4")

	r.RecordDeleted("a.mp4")
	if r.Selected() != "b.mp4" {
		t.Fatalf("deleting another asset changed selection: %q", r.Selected())
	}

	r.RecordDeleted("b.mp4")
	if r.Selected() != "" {
		t.Fatalf("expected selection cleared, got %q", r.Selected())
	}
	if len(r.Names()) != 0 {
		t.Fatalf("expected empty registry, got %v", r.Names())
	}

	r.RecordDeleted("missing.mp4")
}

func TestRegistry_NamesReturnsCopy(t *testing.T) {
	r := New()
	r.Replace([]string{"a.mp4"})
	names := r.Names()
	names[0] = "mutated"
	if !r.Contains("a.mp4") {
		t.Fatal("Names must not expose internal slice")
	}
}
