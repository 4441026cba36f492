package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/pubsub"
	"github.com/unpod/agentlink/internal/tui/ui"
)

// StatusBar is the one-line footer: profile, channel state, mode, text
// link and a transient flash message.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	state   string
	mode    convo.Mode
	link    pubsub.Status
	flash   *ui.FlashMessage
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetChannel updates the channel state, mode and link indicators.
func (sb *StatusBar) SetChannel(state string, mode convo.Mode, link pubsub.Status) {
	sb.state, sb.mode, sb.link = state, mode, link
	sb.render()
}

// SetFlash sets the transient message; nil clears it.
func (sb *StatusBar) SetFlash(msg *ui.FlashMessage) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, sb.line(time.Now()))
}

func (sb *StatusBar) line(now time.Time) string {
	modeIcon := "[::d]idle[-:-:-]"
	switch sb.mode {
	case convo.ModeText:
		modeIcon = "[green]text[-]"
	case convo.ModeVoice:
		modeIcon = "[red::b]● voice[-:-:-]"
	}

	linkIcon := ""
	switch sb.link {
	case pubsub.StatusConnected:
		linkIcon = " [green]⇅[-]"
	case pubsub.StatusDisconnected:
		linkIcon = " [red]✕[-]"
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s%s | %s",
		sb.profile, sb.state, modeIcon, linkIcon, now.Format("15:04"))
	if sb.flash != nil {
		color := sb.theme.FlashInfoColor
		switch sb.flash.Level {
		case ui.FlashWarn:
			color = sb.theme.FlashWarnColor
		case ui.FlashErr:
			color = sb.theme.FlashErrColor
		}
		line += fmt.Sprintf(" | [%s]%s[-]", ui.ColorName(color), tview.Escape(sb.flash.String()))
	}
	return line
}
