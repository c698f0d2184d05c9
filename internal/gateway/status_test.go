package gateway

import (
	"testing"
)

const statusAllHealthy = `Paper Gateway: Running
Live Gateway: Running
API Port 4002: Listening
API Port 4001: Listening`

const statusLive2FA = `Paper Gateway: Running
Live Gateway: Running
API Port 4002: Listening
API Port 4001: Not listening`

const statusPaperOnly = `Paper Gateway: Running
Live Gateway: Not running
API Port 4002: Listening
API Port 4001: Not listening`

const statusAllDown = `Paper Gateway: Not running
Live Gateway: Not running
API Port 4002: Not listening
API Port 4001: Not listening`

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Status
	}{
		{
			name: "all healthy",
			text: statusAllHealthy,
			want: Status{PaperRunning: true, LiveRunning: true, PaperPortListening: true, LivePortListening: true},
		},
		{
			name: "live running without API port means pending 2FA",
			text: statusLive2FA,
			want: Status{PaperRunning: true, LiveRunning: true, PaperPortListening: true, Live2FAPending: true},
		},
		{
			name: "explicit second factor indicator",
			text: statusAllDown + "\nSecond Factor Authentication dialog displayed",
			want: Status{Live2FAPending: true},
		},
		{
			name: "second factor text ignored once live port listens",
			text: statusAllHealthy + "\nSecond Factor Authentication completed earlier",
			want: Status{PaperRunning: true, LiveRunning: true, PaperPortListening: true, LivePortListening: true},
		},
		{
			name: "paper only",
			text: statusPaperOnly,
			want: Status{PaperRunning: true, PaperPortListening: true},
		},
		{
			name: "everything down",
			text: statusAllDown,
			want: Status{},
		},
		{
			name: "empty output",
			text: "",
			want: Status{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStatus(tt.text)
			got.Raw = ""
			if got != tt.want {
				t.Errorf("ParseStatus() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLive2FANeverTrueWhenLivePortListening(t *testing.T) {
	// The invariant holds no matter what else the text claims.
	texts := []string{
		statusAllHealthy,
		statusAllHealthy + "\nSecond Factor Authentication",
		"Live Gateway: Running\nAPI Port 4001: Listening\nSecond Factor Authentication",
	}
	for _, text := range texts {
		if st := ParseStatus(text); st.Live2FAPending {
			t.Errorf("Live2FAPending = true with live port listening:\n%s", text)
		}
	}
}

func TestStatusHealthy(t *testing.T) {
	if !ParseStatus(statusAllHealthy).Healthy() {
		t.Error("fully listening status should be healthy")
	}
	// Running lines alone are not enough: the live port must listen.
	if ParseStatus(statusLive2FA).Healthy() {
		t.Error("live port not listening must not count as healthy")
	}
	if !ParseStatus(statusLive2FA).PaperHealthy() {
		t.Error("paper session should still be healthy on its own")
	}
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		session Session
		want    SessionState
	}{
		{"paper running", statusAllHealthy, SessionPaper, StateRunning},
		{"paper down", statusAllDown, SessionPaper, StateDown},
		{"paper starting", "Paper Gateway: Running\nAPI Port 4002: Not listening", SessionPaper, StateStarting},
		{"live running", statusAllHealthy, SessionLive, StateRunning},
		{"live awaiting second factor", statusLive2FA, SessionLive, StateAwaitingSecondFactor},
		{"live down", statusPaperOnly, SessionLive, StateDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseStatus(tt.text).StateOf(tt.session); got != tt.want {
				t.Errorf("StateOf(%s) = %s, want %s", tt.session, got, tt.want)
			}
		})
	}
}

func TestSessionValid(t *testing.T) {
	for _, s := range []Session{SessionPaper, SessionLive, SessionBoth} {
		if !s.Valid() {
			t.Errorf("Session(%q).Valid() = false", s)
		}
	}
	if Session("margin").Valid() {
		t.Error("unknown session should be invalid")
	}
}
