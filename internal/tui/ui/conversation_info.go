package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// ConversationData holds daemon and conversation state for the header.
type ConversationData struct {
	Profile      string
	Conversation string
	State        string
	Mode         string
	Link         string
	Messages     int
	Uptime       time.Duration
}

// ConversationInfo displays conversation metadata in the header.
type ConversationInfo struct {
	*tview.TextView
	theme *Theme
}

// NewConversationInfo creates a new header info panel.
func NewConversationInfo(theme *Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &ConversationInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the conversation info.
func (ci *ConversationInfo) Update(data *ConversationData) {
	ci.Clear()
	if data == nil {
		return
	}

	fgColor := ColorName(ci.theme.FgColor)
	counterColor := ColorName(ci.theme.CounterColor)

	conv := data.Conversation
	if conv == "" {
		conv = "-"
	}
	modeColor := counterColor
	if data.Mode == "voice" {
		modeColor = ColorName(ci.theme.VoiceColor)
	}

	text := fmt.Sprintf(
		"[%s::b]Profile:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]Thread:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]State:[-:-:-]   [%s]%s[-]\n"+
			"[%s::b]Mode:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Link:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Msgs:[-:-:-]    [%s]%d[-]  [%s::b]Up:[-:-:-] [%s]%s[-]",
		fgColor, counterColor, data.Profile,
		fgColor, counterColor, tview.Escape(conv),
		fgColor, counterColor, data.State,
		fgColor, modeColor, data.Mode,
		fgColor, counterColor, orDash(data.Link),
		fgColor, counterColor, data.Messages, fgColor, counterColor, formatDuration(data.Uptime),
	)

	_, _ = fmt.Fprint(ci, text)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
