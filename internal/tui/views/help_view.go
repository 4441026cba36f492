package views

import (
	"fmt"

	"github.com/rivo/tview"
	"github.com/unpod/agentlink/internal/tui/ui"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	hv.render()
	return hv
}

func (hv *HelpView) render() {
	kc := ui.ColorName(hv.theme.MenuKeyColor)

	help := fmt.Sprintf(`
  [::b]Global Keys[-:-:-]

  [%[1]s]:[-:-:-]      Command mode        [%[1]s]Esc[-:-:-]    Cancel / Go back
  [%[1]s]/[-:-:-]      Find in thread      [%[1]s]?[-:-:-]      Help
  [%[1]s]q[-:-:-]      Quit                [%[1]s]Ctrl-C[-:-:-] Quit immediately

  [::b]Conversation[-:-:-]

  [%[1]s]i[-:-:-]      Focus composer      [%[1]s]Enter[-:-:-]  Send (in composer)
  [%[1]s]v[-:-:-]      Start / end voice   [%[1]s]o[-:-:-]      Load older messages
  [%[1]s]a[-:-:-]      Allow location      [%[1]s]x[-:-:-]      Deny location
  [%[1]s]s[-:-:-]      Share link and QR   [%[1]s]j/k[-:-:-]    Scroll

  [::b]Commands (: mode)[-:-:-]

  [%[1]s]:open <id>[-:-:-]            Open or switch conversation
  [%[1]s]:close[-:-:-]                Close the conversation
  [%[1]s]:attach <path> [text][-:-:-] Send a file with optional text
  [%[1]s]:allow <id>[-:-:-] / [%[1]s]:deny <id>[-:-:-] Answer a location request
  [%[1]s]:voice[-:-:-]  [%[1]s]:older[-:-:-]  [%[1]s]:share[-:-:-]
  [%[1]s]:help[-:-:-] / [%[1]s]:h[-:-:-]        Show this help
  [%[1]s]:quit[-:-:-] / [%[1]s]:q[-:-:-]        Quit application
`, kc)

	_, _ = fmt.Fprint(hv, help)
}
