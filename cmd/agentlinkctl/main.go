package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/unpod/agentlink/internal/api"
	"github.com/unpod/agentlink/internal/convo"
	"github.com/unpod/agentlink/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmdWatch(ctx, c, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "open":
		if len(args) < 2 {
			fail("usage: agentlinkctl open <conversation-id>")
		}
		check(c.Open(ctx, args[1]))
		fmt.Printf("Opened %s\n", args[1])
	case "close":
		check(c.CloseConversation(ctx))
		fmt.Println("Closed")
	case "send":
		cmdSend(ctx, c, args[1:], *jsonFlag)
	case "voice":
		if len(args) < 2 {
			fail("usage: agentlinkctl voice <start|stop>")
		}
		cmdVoice(ctx, c, args[1])
	case "history":
		cmdHistory(ctx, c, *jsonFlag)
	case "older":
		n, err := c.LoadOlder(ctx)
		check(err)
		fmt.Printf("Loaded %d older messages\n", n)
	case "location":
		cmdLocation(ctx, c, args[1:])
	case "share":
		url, err := c.ShareURL(ctx)
		check(err)
		if *jsonFlag {
			outputJSON(map[string]string{"url": url})
			return
		}
		fmt.Println(url)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: agentlinkctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                           Show daemon and conversation status")
	fmt.Fprintln(os.Stderr, "  open <id>                        Open or switch conversation")
	fmt.Fprintln(os.Stderr, "  close                            Close the conversation")
	fmt.Fprintln(os.Stderr, "  send [-file path]... <text>      Send a message")
	fmt.Fprintln(os.Stderr, "  voice start|stop                 Start or end voice")
	fmt.Fprintln(os.Stderr, "  history                          Print the timeline")
	fmt.Fprintln(os.Stderr, "  older                            Load one more page of history")
	fmt.Fprintln(os.Stderr, "  location <id> allow [lat lng]    Share location")
	fmt.Fprintln(os.Stderr, "  location <id> deny               Decline a location request")
	fmt.Fprintln(os.Stderr, "  watch                            Stream events until interrupted")
	fmt.Fprintln(os.Stderr, "  share                            Print the public link")
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	conv := st.ConversationID
	if conv == "" {
		conv = "-"
	}
	fmt.Printf("Profile:      %s\n", st.Profile)
	fmt.Printf("Conversation: %s\n", conv)
	fmt.Printf("State:        %s\n", st.State)
	fmt.Printf("Mode:         %s\n", st.Mode)
	fmt.Printf("Link:         %s\n", st.Link)
	fmt.Printf("Messages:     %d\n", st.Messages)
	fmt.Printf("Uptime:       %s\n", st.Uptime.Truncate(time.Second))
}

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func cmdSend(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var files fileList
	fs.Var(&files, "file", "attach a file (repeatable)")
	_ = fs.Parse(args)

	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		fail("usage: agentlinkctl send [-file path]... <text>")
	}

	res, err := c.Send(ctx, text, files...)
	check(err)
	if jsonOut {
		outputJSON(res)
		return
	}
	if res.Delivered {
		fmt.Printf("Sent %s\n", res.Message.ID)
		return
	}
	fmt.Printf("Queued %s (%s)\n", res.Message.ID, res.Error)
}

func cmdVoice(ctx context.Context, c *api.Client, sub string) {
	switch sub {
	case "start":
		check(c.StartVoice(ctx))
		fmt.Println("Voice started")
	case "stop":
		check(c.EndVoice(ctx))
		fmt.Println("Voice ended")
	default:
		fail("unknown voice subcommand: " + sub)
	}
}

func cmdHistory(ctx context.Context, c *api.Client, jsonOut bool) {
	msgs, err := c.Messages(ctx)
	check(err)
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m))
	}
}

func cmdLocation(ctx context.Context, c *api.Client, args []string) {
	if len(args) < 2 || (args[1] != "allow" && args[1] != "deny") {
		fail("usage: agentlinkctl location <id> allow|deny [lat lng]")
	}
	granted := args[1] == "allow"
	var data map[string]any
	if granted && len(args) >= 4 {
		lat, err1 := strconv.ParseFloat(args[2], 64)
		lng, err2 := strconv.ParseFloat(args[3], 64)
		if err1 != nil || err2 != nil {
			fail("latitude and longitude must be numbers")
		}
		data = map[string]any{"latitude": lat, "longitude": lng}
	}
	check(c.AnswerLocation(ctx, args[0], granted, data))
	fmt.Printf("Location %s\n", args[1])
}

func cmdWatch(ctx context.Context, c *api.Client, jsonOut bool) {
	events, err := c.Watch(ctx)
	check(err)
	for ev := range events {
		if jsonOut {
			outputJSON(ev)
			continue
		}
		fmt.Println(formatEvent(ev))
	}
}

func formatEvent(ev api.Event) string {
	at := ev.At.Local().Format("15:04:05")
	switch ev.Kind {
	case "message.upserted":
		if ev.Message != nil {
			return fmt.Sprintf("%s %s", at, formatMessage(*ev.Message))
		}
	case "message.removed":
		return fmt.Sprintf("%s removed %s", at, ev.RemovedID)
	case "channel.mode_changed":
		return fmt.Sprintf("%s mode %s", at, ev.Mode)
	case "channel.state_changed":
		return fmt.Sprintf("%s state %s -> %s", at, ev.From, ev.To)
	case "channel.link_changed":
		return fmt.Sprintf("%s link %s", at, ev.Link)
	case "channel.error":
		return fmt.Sprintf("%s error %s: %s", at, ev.Op, ev.Error)
	}
	return fmt.Sprintf("%s %s", at, ev.Kind)
}

func formatMessage(m convo.Message) string {
	var body string
	switch p := m.Payload.(type) {
	case convo.TextPayload:
		body = p.Content
		for _, f := range p.Files {
			body += " [" + f.Name + "]"
		}
	case convo.CardPayload:
		body = fmt.Sprintf("<%s card> %v", p.CardType, p.Data)
	case convo.LocationPayload:
		body = fmt.Sprintf("<location %s>", p.Status)
	}
	pending := ""
	if m.Pending {
		pending = " (pending)"
	}
	return fmt.Sprintf("%s %-16s %s%s  [%s]",
		m.CreatedAt.Local().Format("Jan 02 15:04"), m.Origin, body, pending, m.ID)
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
