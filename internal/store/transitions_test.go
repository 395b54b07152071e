package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"promote", "waiting", true},
		{"promote", "serving", false},
		{"promote", "skipped", false},
		{"complete", "serving", true},
		{"complete", "waiting", false},
		{"complete", "served", false},
		{"skip", "serving", true},
		{"skip", "waiting", false},
		{"skip", "skipped", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestActionFor(t *testing.T) {
	cases := []struct {
		from, to string
		action   string
		ok       bool
	}{
		{"waiting", "serving", ActionPromote, true},
		{"serving", "served", ActionComplete, true},
		{"serving", "skipped", ActionSkip, true},
		{"waiting", "served", "", false},
		{"served", "waiting", "", false},
		{"skipped", "serving", "", false},
	}
	for _, tt := range cases {
		action, ok := ActionFor(tt.from, tt.to)
		if ok != tt.ok || action != tt.action {
			t.Fatalf("ActionFor(%q, %q)=(%q, %v), want (%q, %v)", tt.from, tt.to, action, ok, tt.action, tt.ok)
		}
	}
}
