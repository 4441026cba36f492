package views

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/tui/ui"
)

// MessageThread displays the conversation timeline and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	filter   string
	onSend   func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Conversation ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := composer.GetText()
			if strings.TrimSpace(text) != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetConversation updates the thread title.
func (mt *MessageThread) SetConversation(id string) {
	if id == "" {
		mt.messages.SetTitle(" Conversation ")
		return
	}
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(id)))
}

// SetFilter narrows the thread to messages containing q. An empty q shows
// everything.
func (mt *MessageThread) SetFilter(q string) {
	mt.filter = strings.ToLower(strings.TrimSpace(q))
}

// SetOnSend sets the callback when a message is sent.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update redraws the thread. msgs are oldest first.
func (mt *MessageThread) Update(msgs []convo.Message) {
	mt.messages.Clear()
	for _, m := range msgs {
		if mt.filter != "" && !strings.Contains(strings.ToLower(searchText(m)), mt.filter) {
			continue
		}
		_, _ = fmt.Fprint(mt.messages, renderMessage(mt.theme, m))
	}
	mt.messages.ScrollToEnd()
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}

func renderMessage(theme *ui.Theme, m convo.Message) string {
	var b strings.Builder
	b.WriteString(header(theme, m))
	b.WriteByte('\n')

	switch p := m.Payload.(type) {
	case convo.TextPayload:
		b.WriteString(tview.Escape(sanitizeForTerminal(p.Content)))
		for _, f := range p.Files {
			fmt.Fprintf(&b, "\n  [::d]📎 %s[-:-:-]", tview.Escape(sanitizeForTerminal(fileLabel(f))))
		}
	case convo.CardPayload:
		b.WriteString(renderCard(theme, p))
	case convo.LocationPayload:
		b.WriteString(renderLocation(theme, m.ID, p))
	case nil:
		b.WriteString("[::d](empty)[-:-:-]")
	}
	b.WriteString("\n\n")
	return b.String()
}

func header(theme *ui.Theme, m convo.Message) string {
	var who, color string
	switch m.Origin {
	case convo.OriginLocalUser:
		who, color = "You", ui.ColorName(theme.UserColor)
	case convo.OriginRemoteAgent:
		who, color = "Agent", ui.ColorName(theme.AgentColor)
	case convo.OriginSystemCard:
		who, color = "Card", ui.ColorName(theme.CardColor)
	case convo.OriginLocationRequest:
		who, color = "Location", ui.ColorName(theme.LocationColor)
	default:
		who, color = string(m.Origin), ui.ColorName(theme.FgColor)
	}
	line := fmt.Sprintf("[%s::b]%s[-:-:-] [::d]%s[-:-:-]", color, who, formatTime(m.CreatedAt))
	if m.Pending {
		line += fmt.Sprintf(" [%s]sending…[-]", ui.ColorName(theme.PendingColor))
	}
	return line
}

func renderCard(theme *ui.Theme, p convo.CardPayload) string {
	var title string
	switch p.CardType {
	case convo.CardProvider:
		title = "Provider"
	case convo.CardWeb:
		title = "Web result"
	case convo.CardBooking:
		title = "Booking"
	case convo.CardCall:
		title = "Call"
	case convo.CardEvent:
		title = "Event"
	case convo.CardPerson:
		title = "Person"
	default:
		title = string(p.CardType)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]┃ %s[-]", ui.ColorName(theme.CardColor), title)
	for _, k := range sortedKeys(p.Data) {
		fmt.Fprintf(&b, "\n[%s]┃[-] [::b]%s:[-:-:-] %s", ui.ColorName(theme.CardColor),
			tview.Escape(k), tview.Escape(sanitizeForTerminal(fmt.Sprint(p.Data[k]))))
	}
	return b.String()
}

func renderLocation(theme *ui.Theme, id string, p convo.LocationPayload) string {
	color := ui.ColorName(theme.LocationColor)
	switch p.Status {
	case convo.LocationRequested:
		return fmt.Sprintf("[%s]The agent asks for your location.[-] [::d](a allow, x deny, id %s)[-:-:-]",
			color, tview.Escape(id))
	case convo.LocationGranted:
		lat, lng := p.Data["latitude"], p.Data["longitude"]
		if lat != nil && lng != nil {
			return fmt.Sprintf("[%s]Location shared[-] %v, %v", color, lat, lng)
		}
		return fmt.Sprintf("[%s]Location shared[-]", color)
	case convo.LocationDeclined:
		return "[::d]Location declined[-:-:-]"
	default:
		return fmt.Sprintf("[::d]Location %s[-:-:-]", tview.Escape(string(p.Status)))
	}
}

// searchText is the plain text a filter matches against.
func searchText(m convo.Message) string {
	switch p := m.Payload.(type) {
	case convo.TextPayload:
		parts := []string{p.Content}
		for _, f := range p.Files {
			parts = append(parts, f.Name)
		}
		return strings.Join(parts, " ")
	case convo.CardPayload:
		parts := []string{string(p.CardType)}
		for _, k := range sortedKeys(p.Data) {
			parts = append(parts, fmt.Sprint(p.Data[k]))
		}
		return strings.Join(parts, " ")
	case convo.LocationPayload:
		return "location " + string(p.Status)
	}
	return ""
}

func fileLabel(f convo.FileRef) string {
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	local := t.Local()
	if local.YearDay() == time.Now().YearDay() && local.Year() == time.Now().Year() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}
