package rules

import (
	"testing"

	"followup/internal/domain"
)

func TestParseDefaultsOnEmpty(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != len(DefaultRules()) {
		t.Fatalf("expected default rules, got %d", len(got))
	}
}

func TestParse(t *testing.T) {
	got, err := Parse("accepted:3:follow_up_3_days:to_client, accepted:7:follow_up_7_days:to_client")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(got))
	}
	want := Rule{RequestStatus: "accepted", ElapsedDays: 3, Template: "follow_up_3_days", Direction: domain.ToClient}
	if got[0] != want {
		t.Fatalf("rule[0] = %+v, want %+v", got[0], want)
	}
	if got[0].Name() != "accepted_3d_to_client" {
		t.Fatalf("unexpected rule name %q", got[0].Name())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"accepted:3:tpl",
		"accepted:zero:tpl:to_client",
		"accepted:-1:tpl:to_client",
		"accepted:3:tpl:sideways",
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) should fail", raw)
		}
	}
}
