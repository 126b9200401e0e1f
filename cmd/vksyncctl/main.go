package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/matheus3301/vksync/internal/api"
	"github.com/matheus3301/vksync/internal/client"
	"github.com/matheus3301/vksync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// watch runs until interrupted; everything else gets a deadline.
	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "sync":
		cmdSyncStatus(ctx, c, *jsonFlag)
	case "resync":
		check(c.Resync(ctx))
		fmt.Println("Resync queued.")
	case "fetch":
		ids := parseIDs(args[1:])
		if len(ids) == 0 {
			usage("vksyncctl fetch <message-id>...")
		}
		check(c.FetchMessages(ctx, ids))
		fmt.Printf("Queued %d message(s).\n", len(ids))
	case "send":
		if len(args) < 3 {
			usage("vksyncctl send <user:N|chat:N> <text>")
		}
		id, err := c.SendMessage(ctx, args[1], args[2])
		check(err)
		fmt.Printf("Queued %s\n", id)
	case "outbox":
		if len(args) < 2 {
			usage("vksyncctl outbox <client-msg-id>")
		}
		e, err := c.Outbox(ctx, args[1])
		check(err)
		if *jsonFlag {
			outputJSON(e)
			return
		}
		fmt.Printf("Status:  %s\n", e.Status)
		if e.ServerMsgID != 0 {
			fmt.Printf("Message: %d\n", e.ServerMsgID)
		}
		if e.Error != "" {
			fmt.Printf("Error:   %s\n", e.Error)
		}
	case "send-begin":
		check(c.BeginLocalSend(ctx, time.Now().UnixMilli()))
	case "send-confirm":
		if len(args) < 2 {
			usage("vksyncctl send-confirm <message-id>")
		}
		ids := parseIDs(args[1:2])
		check(c.ConfirmLocalSend(ctx, ids[0], time.Now().UnixMilli()))
	case "log":
		cmdLog(ctx, c, args[1:], *jsonFlag)
	case "search":
		cmdSearch(ctx, c, args[1:], *jsonFlag)
	case "image":
		cmdImage(ctx, c, args[1:])
	case "health":
		ok, err := c.Healthy(ctx)
		check(err)
		if !ok {
			fmt.Println("NOT_SERVING")
			os.Exit(2)
		}
		fmt.Println("SERVING")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: vksyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show session status")
	fmt.Fprintln(os.Stderr, "  sync                           Show sync status")
	fmt.Fprintln(os.Stderr, "  resync                         Queue a resync from the watermark")
	fmt.Fprintln(os.Stderr, "  fetch <id>...                  Deliver specific messages")
	fmt.Fprintln(os.Stderr, "  send <peer> <text>             Queue a message for sending")
	fmt.Fprintln(os.Stderr, "  outbox <client-id>             Show the state of a queued message")
	fmt.Fprintln(os.Stderr, "  send-begin                     Record that a local send started now")
	fmt.Fprintln(os.Stderr, "  send-confirm <id>              Record the id a local send produced")
	fmt.Fprintln(os.Stderr, "  log <peer> [limit] [before]    List log entries for user:N or chat:N")
	fmt.Fprintln(os.Stderr, "  search <text> [peer]           Search log bodies")
	fmt.Fprintln(os.Stderr, "  image <id> <file>              Save a stored thumbnail")
	fmt.Fprintln(os.Stderr, "  watch [namespace]              Stream events (default conversation)")
	fmt.Fprintln(os.Stderr, "  health                         Exit non-zero unless READY")
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	st, err := c.SessionStatus(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Status:  %s\n", st.State)
	fmt.Printf("Uptime:  %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Log:     %d entries\n", st.LogEntries)
}

func cmdSyncStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	st, err := c.SyncStatus(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("State:         %s\n", st.State)
	fmt.Printf("Watermark:     %d\n", st.Watermark)
	fmt.Printf("Running:       %v (%d queued)\n", st.Running, st.Queued)
	fmt.Printf("Pending sends: %d\n", st.PendingSends)
	if st.LastRunID != "" {
		fmt.Printf("Last run:      %s %s (%s)\n", st.LastRunTrigger, st.LastRunStage, st.LastRunID)
	}
	if st.LastError != "" {
		fmt.Printf("Last error:    %s\n", st.LastError)
	}
}

func cmdLog(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		usage("vksyncctl log <user:N|chat:N> [limit] [before-id]")
	}
	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			fail(fmt.Errorf("invalid limit %q", args[1]))
		}
		limit = n
	}
	var before uint64
	if len(args) > 2 {
		before = parseIDs(args[2:3])[0]
	}

	entries, err := c.ListLog(ctx, args[0], before, limit)
	check(err)
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No entries.")
		return
	}
	for _, e := range entries {
		fmt.Println(formatEntry(e))
	}
}

func cmdSearch(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		usage("vksyncctl search <text> [user:N|chat:N]")
	}
	peer := ""
	if len(args) > 1 {
		peer = args[1]
	}
	entries, err := c.SearchLog(ctx, args[0], peer, 50)
	check(err)
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-8s %s\n", e.Peer, formatEntry(e))
	}
}

func formatEntry(e api.LogEntry) string {
	ts := time.UnixMilli(e.SentAtUnixMs).Format("2006-01-02 15:04")
	dir := "<"
	if e.Outgoing {
		dir = ">"
	}
	flags := ""
	if e.Unread {
		flags += " [unread]"
	}
	if e.Undelivered {
		flags += " [undelivered]"
	}
	return fmt.Sprintf("%-10d %s %s %s: %s%s", e.MsgID, ts, dir, e.AuthorName, e.Body, flags)
}

func cmdImage(ctx context.Context, c *client.Client, args []string) {
	if len(args) < 2 {
		usage("vksyncctl image <id> <file>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid image id %q", args[0]))
	}
	img, err := c.Image(ctx, id)
	check(err)
	if err := os.WriteFile(args[1], img.Data, 0o644); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s (%s, %dx%d, %d bytes)\n", args[1], img.MIME, img.Width, img.Height, len(img.Data))
}

func cmdWatch(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	namespace := "conversation"
	if len(args) > 0 {
		namespace = args[0]
	}
	err := c.Watch(ctx, namespace, func(evt api.Event) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		at := time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly)
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-28s %s\n", at, evt.Kind, payload)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		fail(err)
	}
}

func parseIDs(args []string) []uint64 {
	ids := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil || id == 0 {
			fail(fmt.Errorf("invalid message id %q", a))
		}
		ids = append(ids, id)
	}
	return ids
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func usage(line string) {
	fmt.Fprintf(os.Stderr, "usage: %s\n", line)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
