package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/unpod/agentlink/internal/api"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/tui/keys"
	"github.com/unpod/agentlink/internal/tui/model"
	"github.com/unpod/agentlink/internal/tui/ui"
	"github.com/unpod/agentlink/internal/tui/views"
)

const (
	pageThread = "thread"
	pageShare  = "share"
	pageHelp   = "help"

	rpcTimeout = 15 * time.Second
)

// Client is the daemon connection the TUI runs against.
type Client interface {
	model.Daemon
	Watch(ctx context.Context) (<-chan api.Event, error)
}

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	theme     *ui.Theme
	pages     *ui.Pages
	layout    *tview.Flex
	vm        *model.ViewModel
	client    Client
	registry  *keys.Registry
	info      *ui.ConversationInfo
	menu      *ui.Menu
	logo      *ui.Logo
	crumbs    *ui.Crumbs
	prompt    *ui.Prompt
	statusBar *views.StatusBar
	thread    *views.MessageThread
	share     *views.ShareView
	help      *views.HelpView
	profile   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		theme:     theme,
		pages:     ui.NewPages(),
		vm:        model.NewViewModel(c),
		client:    c,
		registry:  keys.NewRegistry(),
		info:      ui.NewConversationInfo(theme),
		menu:      ui.NewMenu(theme),
		logo:      ui.NewLogo(theme),
		crumbs:    ui.NewCrumbs(theme),
		prompt:    ui.NewPrompt(theme),
		statusBar: views.NewStatusBar(theme),
		thread:    views.NewMessageThread(theme),
		share:     views.NewShareView(theme),
		help:      views.NewHelpView(theme),
		profile:   profileName,
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(profileName)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "Quit", Visible: true,
		Handler: func() { a.Stop() },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: '?',
		Description: "Help", Visible: true,
		Handler: func() { a.push(pageHelp) },
	})

	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i',
		Description: "Compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'v',
		Description: "Voice", Visible: true,
		Handler: func() { a.async("voice", a.vm.ToggleVoice) },
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'o',
		Description: "Older", Visible: true,
		Handler: func() { a.async("older", a.vm.LoadOlder) },
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'a',
		Description: "Allow location", Visible: true,
		Handler: func() {
			a.async("location", func(ctx context.Context) error { return a.vm.AnswerLatestLocation(ctx, true) })
		},
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'x',
		Description: "Deny location", Visible: true,
		Handler: func() {
			a.async("location", func(ctx context.Context) error { return a.vm.AnswerLatestLocation(ctx, false) })
		},
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 's',
		Description: "Share", Visible: true,
		Handler: func() { a.showShare() },
	})
}

func (a *App) setupCallbacks() {
	a.thread.SetOnSend(func(text string) {
		a.async("send", func(ctx context.Context) error { return a.vm.Send(ctx, text) })
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		case ui.PromptFilter:
			a.thread.SetFilter(text)
			a.render()
		}
	})
	a.prompt.SetOnCancel(func() {
		if a.prompt.Mode() == ui.PromptFilter {
			a.thread.SetFilter("")
			a.render()
		}
		a.hidePrompt()
	})

	a.pages.SetOnChange(func(stack []string) {
		a.crumbs.Update(a.vm.GetStatus().ConversationID, stack)
		a.menu.Update(a.registry.Hints(a.pages.Current()))
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageShare, a.share, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)

	header := tview.NewFlex().
		AddItem(a.info, 0, 2, false).
		AddItem(a.menu, 0, 2, false).
		AddItem(a.logo, 20, 0, false)

	a.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 7, 0, false).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.layout, true)
	a.pages.Reset(pageThread)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		focused := a.app.GetFocus()

		if event.Key() == tcell.KeyEscape {
			switch {
			case focused == a.thread.Composer():
				a.app.SetFocus(a.thread.Messages())
				return nil
			case focused == a.prompt.InputField:
				return event
			case a.pages.Depth() > 1:
				a.pages.Pop()
				a.focusCurrent()
				return nil
			}
		}

		// Let text input widgets handle all keys normally.
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		if event.Key() == tcell.KeyRune {
			switch event.Rune() {
			case ':':
				a.showPrompt(ui.PromptCommand)
				return nil
			case '/':
				if a.pages.Current() == pageThread {
					a.showPrompt(ui.PromptFilter)
					return nil
				}
			}
		}

		if a.registry.HandleEvent(a.pages.Current(), event) {
			return nil
		}
		return event
	})
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.layout.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt.InputField)
}

func (a *App) hidePrompt() {
	a.layout.ResizeItem(a.prompt, 0, 0)
	a.focusCurrent()
}

func (a *App) push(page string) {
	if a.pages.Current() == page {
		return
	}
	a.pages.Push(page)
	a.focusCurrent()
}

func (a *App) focusCurrent() {
	switch a.pages.Current() {
	case pageShare:
		a.app.SetFocus(a.share)
	case pageHelp:
		a.app.SetFocus(a.help)
	default:
		a.app.SetFocus(a.thread.Messages())
	}
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "open", "o":
		if cmd.Args == "" {
			a.vm.Flash.Warn("usage: :open <conversation-id>")
			break
		}
		a.async("open", func(ctx context.Context) error { return a.vm.Open(ctx, cmd.Args) })
	case "close":
		a.async("close", a.vm.Close)
	case "attach":
		path, text := cmd.Split()
		if path == "" {
			a.vm.Flash.Warn("usage: :attach <path> [text]")
			break
		}
		a.async("send", func(ctx context.Context) error { return a.vm.Send(ctx, text, path) })
	case "allow", "deny":
		id, _ := cmd.Split()
		granted := cmd.Name == "allow"
		a.async("location", func(ctx context.Context) error {
			if id == "" {
				return a.vm.AnswerLatestLocation(ctx, granted)
			}
			return a.vm.AnswerLocation(ctx, id, granted)
		})
	case "voice":
		a.async("voice", a.vm.ToggleVoice)
	case "older":
		a.async("older", a.vm.LoadOlder)
	case "share":
		a.showShare()
	case "help", "h":
		a.push(pageHelp)
	case "quit", "q":
		a.Stop()
	default:
		a.vm.Flash.Warn(fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

func (a *App) showShare() {
	a.share.ShowMessage("Fetching link...")
	a.push(pageShare)
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		url, err := a.vm.ShareURL(ctx)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.share.ShowMessage("Share failed: " + err.Error())
				return
			}
			a.share.ShowURL(url)
		})
	}()
}

// async runs fn off the UI goroutine and flashes its error.
func (a *App) async(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.vm.Flash.Err(fmt.Errorf("%s: %w", op, err))
		}
		a.redraw()
	}()
}

func (a *App) redraw() {
	a.app.QueueUpdateDraw(a.render)
}

// render copies view model state into the widgets. Must run on the UI
// goroutine.
func (a *App) render() {
	st := a.vm.GetStatus()
	msgs := a.vm.GetMessages()

	a.info.Update(&ui.ConversationData{
		Profile:      a.profile,
		Conversation: st.ConversationID,
		State:        string(st.State),
		Mode:         string(st.Mode),
		Link:         string(st.Link),
		Messages:     len(msgs),
		Uptime:       a.vm.Uptime(),
	})
	a.logo.SetVoice(st.Mode == convo.ModeVoice)
	a.crumbs.Update(st.ConversationID, a.pages.Stack())
	a.menu.Update(a.registry.Hints(a.pages.Current()))
	a.statusBar.SetChannel(string(st.State), st.Mode, st.Link)
	a.statusBar.SetFlash(a.vm.Flash.GetMessage())
	a.thread.SetConversation(st.ConversationID)
	a.thread.Update(msgs)
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		a.reload()
		a.redraw()
		go a.watchLoop()
		a.startRefreshLoop()
	}()

	return a.app.Run()
}

func (a *App) reload() {
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	if err := a.vm.LoadStatus(ctx); err != nil {
		a.vm.Flash.Err(fmt.Errorf("status: %w", err))
		return
	}
	if err := a.vm.LoadMessages(ctx); err != nil {
		a.vm.Flash.Err(fmt.Errorf("messages: %w", err))
	}
}

// watchLoop folds daemon events into the view model. The stream is
// reopened with backoff when the daemon drops it, and state is reloaded
// afterwards since events may have been missed.
func (a *App) watchLoop() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 10 * time.Second

	for {
		events, err := a.client.Watch(a.ctx)
		if err == nil {
			b.Reset()
			for ev := range events {
				if a.vm.Apply(ev) {
					a.redraw()
				}
			}
		}
		if a.ctx.Err() != nil {
			return
		}
		a.vm.Flash.Warn("daemon stream lost, reconnecting")
		a.redraw()

		select {
		case <-time.After(b.NextBackOff()):
		case <-a.ctx.Done():
			return
		}
		a.reload()
		a.redraw()
	}
}

func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.redraw()
			case <-a.vm.Flash.Watch():
				a.redraw()
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
