package transport

import "testing"

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from   State
		on     trigger
		want   State
		wantOK bool
	}{
		{Connecting, triggerOpened, Connected, true},
		{Connecting, triggerRemoteClose, Error, true},
		{Connecting, triggerFault, Error, true},
		{Connecting, triggerLocalClose, Disconnected, true},
		{Connecting, triggerAbort, Error, true},
		{Connected, triggerOpened, 0, false},
		{Connected, triggerRemoteClose, Disconnected, true},
		{Connected, triggerFault, Error, true},
		{Connected, triggerLocalClose, Disconnected, true},
		{Connected, triggerAbort, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.on.String(), func(t *testing.T) {
			t.Parallel()
			got, ok := next(tt.from, tt.on)
			if ok != tt.wantOK {
				t.Fatalf("next(%v, %v) ok = %v, want %v", tt.from, tt.on, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("next(%v, %v) = %v, want %v", tt.from, tt.on, got, tt.want)
			}
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()
	for _, s := range []State{Disconnected, Error} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
		for tr := triggerOpened; tr <= triggerAbort; tr++ {
			if to, ok := next(s, tr); ok {
				t.Errorf("next(%v, %v) = %v, want no transition", s, tr, to)
			}
		}
	}
	for _, s := range []State{Connecting, Connected} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	want := map[State]string{
		Connecting:   "connecting",
		Connected:    "connected",
		Disconnected: "disconnected",
		Error:        "error",
		State(42):    "unknown",
	}
	for s, name := range want {
		if got := s.String(); got != name {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, name)
		}
	}
}
