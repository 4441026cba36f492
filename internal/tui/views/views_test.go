package views

import (
	"strings"
	"testing"
	"time"

	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/tui/ui"
)

func TestSanitizeForTerminal(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello\tworld\n", "hello\tworld\n"},
		{"\x1b[31mred\x1b[0m", "[31mred[0m"},
		{"👍🏻", "👍"},
		{"a‍b", "ab"},
		{"ok\x00\x07", "ok"},
		{"bad\xffbyte", "badbyte"},
	}
	for _, tt := range tests {
		if got := sanitizeForTerminal(tt.in); got != tt.want {
			t.Errorf("sanitizeForTerminal(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderMessagePayloads(t *testing.T) {
	theme := ui.DefaultTheme()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  convo.Message
		want []string
	}{
		{
			name: "text with file",
			msg: convo.Message{ID: "1", CreatedAt: at, Origin: convo.OriginLocalUser, Pending: true,
				Payload: convo.TextPayload{Content: "see [attached]", Files: []convo.FileRef{{Name: "a.pdf"}}}},
			want: []string{"You", "sending", "see [attached[]", "a.pdf"},
		},
		{
			name: "card",
			msg: convo.Message{ID: "2", CreatedAt: at, Origin: convo.OriginSystemCard,
				Payload: convo.CardPayload{CardType: convo.CardBooking, Data: map[string]any{"when": "tomorrow"}}},
			want: []string{"Card", "Booking", "when:", "tomorrow"},
		},
		{
			name: "location requested",
			msg: convo.Message{ID: "loc-1", CreatedAt: at, Origin: convo.OriginLocationRequest,
				Payload: convo.LocationPayload{Status: convo.LocationRequested}},
			want: []string{"Location", "asks for your location", "loc-1"},
		},
		{
			name: "location granted",
			msg: convo.Message{ID: "loc-2", CreatedAt: at, Origin: convo.OriginLocationRequest,
				Payload: convo.LocationPayload{Status: convo.LocationGranted, Data: map[string]any{"latitude": 1.5, "longitude": 2.5}}},
			want: []string{"Location shared", "1.5, 2.5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := renderMessage(theme, tt.msg)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("render missing %q in %q", w, out)
				}
			}
		})
	}
}

func TestSearchText(t *testing.T) {
	m := convo.Message{Payload: convo.CardPayload{CardType: convo.CardPerson, Data: map[string]any{"name": "Dr. Rao"}}}
	if got := searchText(m); !strings.Contains(got, "Dr. Rao") || !strings.Contains(got, "person") {
		t.Errorf("searchText = %q", got)
	}
}

func TestRenderQR(t *testing.T) {
	out := renderQR("https://unpod.ai/thread/abc")
	if strings.Contains(out, "failed") {
		t.Fatalf("qr failed: %s", out)
	}
	if !strings.ContainsAny(out, "█▀▄") {
		t.Error("qr has no blocks")
	}
}

func TestStatusBarLine(t *testing.T) {
	sb := NewStatusBar(ui.DefaultTheme())
	sb.SetProfile("main")
	sb.SetChannel("ACTIVE_VOICE", convo.ModeVoice, pubsub.StatusConnected)
	sb.SetFlash(&ui.FlashMessage{Text: "offline", Level: ui.FlashWarn})

	line := sb.line(time.Date(2026, 3, 1, 9, 5, 0, 0, time.Local))
	for _, w := range []string{"main", "ACTIVE_VOICE", "voice", "09:05", "offline"} {
		if !strings.Contains(line, w) {
			t.Errorf("status line missing %q: %q", w, line)
		}
	}
}
