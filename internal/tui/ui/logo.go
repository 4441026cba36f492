package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// Logo displays a compact ASCII art logo.
type Logo struct {
	*tview.TextView
	theme *Theme
}

// NewLogo creates a new logo component.
func NewLogo(theme *Theme) *Logo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(1, 0, 1, 0)

	l := &Logo{
		TextView: tv,
		theme:    theme,
	}
	l.render(false)
	return l
}

// SetVoice switches the logo tagline to show a live voice session.
func (l *Logo) SetVoice(on bool) {
	l.Clear()
	l.render(on)
}

func (l *Logo) render(voice bool) {
	titleColor := ColorName(l.theme.TitleColor)
	tag, tagColor := "agent studio", ColorName(l.theme.FgColor)
	if voice {
		tag, tagColor = "● on air", ColorName(l.theme.VoiceColor)
	}

	_, _ = fmt.Fprintf(l,
		"[%s::b] ┌─┐┌─┐┌─┐┌┐┌┌┬┐[-:-:-]\n"+
			"[%s::b] ├─┤│ ┬├┤ │││ │ [-:-:-]\n"+
			"[%s::b] ┴ ┴└─┘└─┘┘└┘ ┴ [-:-:-]\n"+
			"[%s]%s[-:-:-]",
		titleColor, titleColor, titleColor, tagColor, tag,
	)
}
