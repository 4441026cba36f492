package views

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/rivo/tview"
	"github.com/unpod/agentlink/internal/tui/ui"
)

// ShareView shows the conversation's public link as text and as a QR code.
type ShareView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewShareView creates a new share view.
func NewShareView(theme *ui.Theme) *ShareView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Share Conversation ")
	tv.SetTitleColor(theme.TitleColor)

	return &ShareView{
		TextView: tv,
		theme:    theme,
	}
}

// ShowURL renders url and a scannable QR code of it.
func (sv *ShareView) ShowURL(url string) {
	sv.Clear()
	_, _ = fmt.Fprintf(sv, "\n  Scan to open this conversation:\n\n%s\n  [::u]%s[-:-:-]",
		renderQR(url), tview.Escape(url))
}

// ShowMessage displays a status message.
func (sv *ShareView) ShowMessage(msg string) {
	sv.Clear()
	_, _ = fmt.Fprintf(sv, "\n\n%s", tview.Escape(msg))
}

// renderQR converts a string to a compact QR code using Unicode half-block
// characters, two modules per cell row.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := y+1 < rows && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
