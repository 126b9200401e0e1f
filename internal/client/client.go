// Package client is the Go client of the daemon control API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/vksync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn   *grpc.ClientConn
	api    *api.Conn
	health healthpb.HealthClient
}

// New dials the daemon's Unix domain socket.
func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	return Dial("unix://"+socketPath, opts...)
}

// Dial connects to target. Transport credentials default to insecure; the
// socket is only reachable by its owner.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{
		conn:   conn,
		api:    api.NewConn(conn),
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SessionStatus returns the daemon's session status.
func (c *Client) SessionStatus(ctx context.Context) (api.SessionStatus, error) {
	out := new(structpb.Struct)
	if err := c.api.Invoke(ctx, api.SessionServiceName, "GetSessionStatus", &emptypb.Empty{}, out); err != nil {
		return api.SessionStatus{}, err
	}
	return api.DecodeSessionStatus(out), nil
}

// SyncStatus returns the sync engine status.
func (c *Client) SyncStatus(ctx context.Context) (api.SyncStatus, error) {
	out := new(structpb.Struct)
	if err := c.api.Invoke(ctx, api.SyncServiceName, "GetSyncStatus", &emptypb.Empty{}, out); err != nil {
		return api.SyncStatus{}, err
	}
	return api.DecodeSyncStatus(out), nil
}

// Resync queues a resync.
func (c *Client) Resync(ctx context.Context) error {
	return c.api.Invoke(ctx, api.SyncServiceName, "Resync", &emptypb.Empty{}, new(emptypb.Empty))
}

// FetchMessages queues delivery of specific message ids.
func (c *Client) FetchMessages(ctx context.Context, ids []uint64) error {
	return c.api.Invoke(ctx, api.SyncServiceName, "FetchMessages", api.FetchMessagesRequest(ids), new(emptypb.Empty))
}

// BeginLocalSend reports that a local send started. Zero means now.
func (c *Client) BeginLocalSend(ctx context.Context, sentAtUnixMs int64) error {
	return c.api.Invoke(ctx, api.SyncServiceName, "BeginLocalSend", api.BeginLocalSendRequest(sentAtUnixMs), new(emptypb.Empty))
}

// ConfirmLocalSend reports the id a local send produced.
func (c *Client) ConfirmLocalSend(ctx context.Context, id uint64, sentAtUnixMs int64) error {
	return c.api.Invoke(ctx, api.SyncServiceName, "ConfirmLocalSend", api.ConfirmLocalSendRequest(id, sentAtUnixMs), new(emptypb.Empty))
}

// ListLog returns logged messages of peer ("user:<id>" or "chat:<id>"), newest first.
func (c *Client) ListLog(ctx context.Context, peer string, beforeID uint64, limit int) ([]api.LogEntry, error) {
	out := new(structpb.ListValue)
	if err := c.api.Invoke(ctx, api.LogServiceName, "ListLog", api.ListLogRequest(peer, beforeID, limit), out); err != nil {
		return nil, err
	}
	return api.DecodeLogEntries(out), nil
}

// SearchLog returns logged messages containing query, newest first. An
// empty peer searches every conversation.
func (c *Client) SearchLog(ctx context.Context, query, peer string, limit int) ([]api.LogEntry, error) {
	out := new(structpb.ListValue)
	if err := c.api.Invoke(ctx, api.LogServiceName, "SearchLog", api.SearchLogRequest(query, peer, limit), out); err != nil {
		return nil, err
	}
	return api.DecodeLogEntries(out), nil
}

// SendMessage queues text for peer and returns the client message id.
func (c *Client) SendMessage(ctx context.Context, peer, text string) (string, error) {
	out := new(structpb.Struct)
	if err := c.api.Invoke(ctx, api.MessageServiceName, "SendMessage", api.SendMessageRequest(peer, text), out); err != nil {
		return "", err
	}
	return out.GetFields()["client_msg_id"].GetStringValue(), nil
}

// Outbox returns the state of a queued send.
func (c *Client) Outbox(ctx context.Context, clientMsgID string) (api.OutboxEntry, error) {
	out := new(structpb.Struct)
	if err := c.api.Invoke(ctx, api.MessageServiceName, "GetOutbox", api.GetOutboxRequest(clientMsgID), out); err != nil {
		return api.OutboxEntry{}, err
	}
	return api.DecodeOutboxEntry(out), nil
}

// Image returns a stored thumbnail.
func (c *Client) Image(ctx context.Context, id int64) (api.Image, error) {
	out := new(structpb.Struct)
	if err := c.api.Invoke(ctx, api.LogServiceName, "GetImage", api.GetImageRequest(id), out); err != nil {
		return api.Image{}, err
	}
	return api.DecodeImage(out)
}

// Healthy reports whether the daemon is serving, that is, synced and connected.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Watch streams events of namespace to fn until ctx ends, the stream closes
// or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(api.Event) error) error {
	stream, err := c.api.WatchEvents(ctx, api.WatchEventsRequest(namespace))
	if err != nil {
		return err
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(api.DecodeEvent(evt)); err != nil {
			return err
		}
	}
}
