package domain

import "testing"

func TestFromProviderStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"queued", StatusPending, true},
		{"accepted", StatusPending, true},
		{"sent", StatusSent, true},
		{"SENT", StatusSent, true},
		{" delivered ", StatusDelivered, true},
		{"read", StatusRead, true},
		{"failed", StatusFailed, true},
		{"undelivered", StatusFailed, true},
		{"typing", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := FromProviderStatus(c.raw)
		if ok != c.ok || got != c.want {
			t.Errorf("FromProviderStatus(%q) = (%q, %v), want (%q, %v)", c.raw, got, ok, c.want, c.ok)
		}
	}
}

func TestStatusAfter(t *testing.T) {
	if !StatusDelivered.After(StatusSent) {
		t.Fatalf("delivered should be after sent")
	}
	if StatusSent.After(StatusDelivered) {
		t.Fatalf("sent must not be after delivered")
	}
	if StatusSent.After(StatusSent) {
		t.Fatalf("a status is not after itself")
	}
	if !StatusResponded.After(StatusRead) {
		t.Fatalf("responded is the terminal branch")
	}
}

func TestInteractionOpen(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusSending, StatusSent} {
		if !(Interaction{Status: s}).Open() {
			t.Errorf("status %s should be open", s)
		}
	}
	for _, s := range []Status{StatusDelivered, StatusRead, StatusFailed, StatusResponded} {
		if (Interaction{Status: s}).Open() {
			t.Errorf("status %s should not be open", s)
		}
	}
}
