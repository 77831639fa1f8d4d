package rules

import "testing"

func TestStoreAddListDelete(t *testing.T) {
	s := NewStore()
	r1 := s.Add(`SecRule ARGS "@rx evil" "id:1,deny,status:403"`)
	r2 := s.Add(`SecRule ARGS "@rx bad" "id:2,deny,status:403"`)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(list))
	}

	if !s.Delete(r1.ID) {
		t.Fatalf("expected delete of %s to succeed", r1.ID)
	}
	if s.Delete(r1.ID) {
		t.Fatalf("expected second delete of %s to fail", r1.ID)
	}

	list = s.List()
	if len(list) != 1 || list[0].ID != r2.ID {
		t.Fatalf("expected only %s to remain, got %+v", r2.ID, list)
	}
}

func TestStoreRenderDirectivesPreservesOrder(t *testing.T) {
	s := NewStore()
	s.Add("rule-a")
	s.Add("rule-b")

	got := s.RenderDirectives()
	want := "rule-a\nrule-b\n"
	if got != want {
		t.Fatalf("RenderDirectives() = %q, want %q", got, want)
	}
}

func TestStoreAddDeleteRestoresDirectives(t *testing.T) {
	s := NewStore()
	r := s.Add("rule-a")
	before := s.RenderDirectives()
	s.Add("rule-b")
	s.Delete(findByText(s, "rule-b"))
	after := s.RenderDirectives()
	if before != after {
		t.Fatalf("add-then-delete should restore directives: before=%q after=%q", before, after)
	}
	_ = r
}

func findByText(s *Store, text string) string {
	for _, r := range s.List() {
		if r.Text == text {
			return r.ID
		}
	}
	return ""
}
