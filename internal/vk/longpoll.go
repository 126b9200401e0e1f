package vk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Long-poll update codes and message flags.
const (
	updateNewMessage = 4

	flagUnread = 1
	flagOutbox = 2

	// Peer ids above this offset are group chats.
	chatPeerOffset = 2000000000
)

var errStaleKey = errors.New("long-poll key expired")

// Publisher is the subset of the event bus the long-poll loop needs.
type Publisher interface {
	Publish(evt bus.Event)
	Deliver(ctx context.Context, evt bus.Event) error
}

// LongPoll receives new-message notifications and publishes them on the bus.
type LongPoll struct {
	api     Caller
	http    *http.Client
	events  Publisher
	wait    time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewLongPoll creates a long-poll loop. wait is the server-side hold time
// for each request.
func NewLongPoll(api Caller, events Publisher, wait time.Duration, logger *zap.Logger) *LongPoll {
	if wait <= 0 {
		wait = 25 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LongPoll{
		api:     api,
		http:    &http.Client{Timeout: wait + 10*time.Second},
		events:  events,
		wait:    wait,
		backoff: 5 * time.Second,
		logger:  logger,
	}
}

type pollServer struct {
	server string
	key    string
	ts     string
}

// Run polls until ctx is cancelled. After the first connection every new
// server session is announced as vk.reconnected so missed messages get
// resynced.
func (lp *LongPoll) Run(ctx context.Context) error {
	connected := false
	for {
		srv, err := lp.fetchServer(ctx)
		if err == nil {
			if connected {
				// The engine resyncs on reconnect, so this one must not be dropped.
				err = lp.events.Deliver(ctx, bus.Event{Kind: bus.KindReconnected})
			} else {
				lp.events.Publish(bus.Event{Kind: bus.KindConnected})
			}
			connected = true
			if err == nil {
				err = lp.poll(ctx, srv)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errStaleKey) {
			lp.logger.Info("long-poll key expired, refreshing server")
			continue
		}
		lp.logger.Warn("long-poll failed", zap.Error(err))
		lp.events.Publish(bus.Event{Kind: bus.KindDisconnected, Payload: err})
		if IsAuthError(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lp.backoff):
		}
	}
}

func (lp *LongPoll) fetchServer(ctx context.Context) (*pollServer, error) {
	resp, err := lp.api.Call(ctx, "messages.getLongPollServer", url.Values{})
	if err != nil {
		return nil, err
	}
	srv := &pollServer{
		server: resp.Get("server").String(),
		key:    resp.Get("key").String(),
		ts:     resp.Get("ts").String(),
	}
	if srv.server == "" || srv.key == "" {
		return nil, fmt.Errorf("getLongPollServer: incomplete response")
	}
	return srv, nil
}

func (lp *LongPoll) poll(ctx context.Context, srv *pollServer) error {
	for {
		resp, err := lp.check(ctx, srv)
		if err != nil {
			return err
		}
		if failed := resp.Get("failed"); failed.Exists() {
			if failed.Int() == 1 {
				srv.ts = resp.Get("ts").String()
				continue
			}
			return errStaleKey
		}
		srv.ts = resp.Get("ts").String()

		for _, update := range resp.Get("updates").Array() {
			n, ok := parseUpdate(update)
			if !ok {
				continue
			}
			if err := lp.events.Deliver(ctx, bus.Event{Kind: bus.KindNotification, Payload: n}); err != nil {
				return err
			}
		}
	}
}

func (lp *LongPoll) check(ctx context.Context, srv *pollServer) (gjson.Result, error) {
	base := srv.server
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	q := url.Values{
		"act":  {"a_check"},
		"key":  {srv.key},
		"ts":   {srv.ts},
		"wait": {fmt.Sprintf("%d", int(lp.wait.Seconds()))},
		"mode": {"2"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return gjson.Result{}, err
	}
	body, err := fetch(lp.http, req, maxResponseBytes)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("a_check: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("a_check: invalid json response")
	}
	return gjson.ParseBytes(body), nil
}

// parseUpdate converts a [4, msg_id, flags, peer_id, ...] update.
func parseUpdate(update gjson.Result) (*message.Notification, bool) {
	fields := update.Array()
	if len(fields) < 4 || fields[0].Int() != updateNewMessage {
		return nil, false
	}
	flags := fields[2].Int()
	n := &message.Notification{
		ID:       fields[1].Uint(),
		Outgoing: flags&flagOutbox != 0,
		Unread:   flags&flagUnread != 0,
	}
	peer := fields[3].Uint()
	if peer > chatPeerOffset {
		n.Peer = message.ChatPeer(peer - chatPeerOffset)
	} else {
		n.Peer = message.UserPeer(peer)
	}
	return n, n.ID != 0
}
