package commandrouter

import "testing"

func TestRouteRecognizesRegisteredCommand(t *testing.T) {
	r := New("voice", "volume")

	cmd, ok := r.Route("!voice Wise_Woman")
	if !ok || cmd != "voice" {
		t.Fatalf("Route() = %q, %v, want \"voice\", true", cmd, ok)
	}
}

func TestRouteAlwaysRecognizesStop(t *testing.T) {
	r := New()

	cmd, ok := r.Route("!stop")
	if !ok || cmd != StopCommand {
		t.Fatalf("Route() = %q, %v, want %q, true", cmd, ok, StopCommand)
	}
}

func TestRouteIgnoresPlainChat(t *testing.T) {
	r := New("voice")

	if _, ok := r.Route("hello there"); ok {
		t.Fatal("Route() ok = true for plain chat text")
	}
	if _, ok := r.Route("!unknown"); ok {
		t.Fatal("Route() ok = true for an unregistered command")
	}
}

func TestAuthorityCanStop(t *testing.T) {
	tests := []struct {
		name string
		a    Authority
		want bool
	}{
		{"broadcaster", Authority{IsBroadcaster: true}, true},
		{"moderator", Authority{IsModerator: true}, true},
		{"plain viewer", Authority{}, false},
	}
	for _, tt := range tests {
		if got := tt.a.CanStop(); got != tt.want {
			t.Errorf("%s: CanStop() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
