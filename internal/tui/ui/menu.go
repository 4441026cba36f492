package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

// MenuHint describes a keyboard shortcut for display in the menu.
type MenuHint struct {
	Key         string
	Description string
}

// menuRows is the number of hint rows per column; it matches the header
// height.
const menuRows = 6

// Menu displays keyboard shortcut hints in columns.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a new menu hint panel.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)

	return &Menu{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders hints top to bottom, starting a new column every
// menuRows hints.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	_, _ = fmt.Fprint(m, m.layout(hints))
}

func (m *Menu) layout(hints []MenuHint) string {
	keyColor := ColorName(m.theme.MenuKeyColor)

	cells := make([]string, len(hints))
	width := 0
	for i, h := range hints {
		cells[i] = fmt.Sprintf("<%s> %s", h.Key, h.Description)
		width = max(width, len([]rune(cells[i])))
	}

	rows := make([]strings.Builder, min(menuRows, len(hints)))
	for i, h := range hints {
		row := &rows[i%menuRows]
		pad := width - len([]rune(cells[i])) + 2
		fmt.Fprintf(row, "[%s::b]<%s>[-:-:-] %s%s", keyColor, tview.Escape(h.Key), h.Description, strings.Repeat(" ", pad))
	}

	lines := make([]string, len(rows))
	for i := range rows {
		lines[i] = strings.TrimRight(rows[i].String(), " ")
	}
	return strings.Join(lines, "\n")
}
