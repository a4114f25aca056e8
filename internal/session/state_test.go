package session

import "testing"

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{Connecting, "connecting"},
		{Capturing, "capturing"},
		{RemoteSpeaking, "remote_speaking"},
		{BargeInPending, "barge_in_pending"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q; want %q", tc.s, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []State{Idle, Connecting, Capturing, RemoteSpeaking, BargeInPending}
	allowed := map[[2]State]bool{
		{Idle, Connecting}:               true,
		{Connecting, Capturing}:          true,
		{Capturing, RemoteSpeaking}:      true,
		{RemoteSpeaking, Capturing}:      true,
		{RemoteSpeaking, BargeInPending}: true,
		{BargeInPending, Capturing}:      true,
		{Connecting, Idle}:               true,
		{Capturing, Idle}:                true,
		{RemoteSpeaking, Idle}:           true,
		{BargeInPending, Idle}:           true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}]
			if got := canTransition(from, to); got != want {
				t.Errorf("canTransition(%v, %v) = %v; want %v", from, to, got, want)
			}
		}
	}
}

func TestTransition_RejectsWrongSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if h.session.transition(Capturing, RemoteSpeaking, "test") {
		t.Fatal("transition from capturing accepted while idle")
	}
	if h.session.State() != Idle {
		t.Errorf("state = %v; want idle", h.session.State())
	}
	if h.session.gate.Load() {
		t.Error("gate opened by rejected transition")
	}
}
