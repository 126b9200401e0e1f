package vk

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/matheus3301/vksync/internal/message"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Default request sizes.
const (
	DefaultPageSize   = 200
	DefaultIDsPerCall = 100
)

// Fetcher retrieves message batches from the history API.
type Fetcher struct {
	api        Caller
	parser     *Parser
	pageSize   int
	idsPerCall int
	logger     *zap.Logger
}

// NewFetcher creates a fetcher. Non-positive sizes select the defaults.
func NewFetcher(api Caller, parser *Parser, pageSize, idsPerCall int, logger *zap.Logger) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if idsPerCall <= 0 {
		idsPerCall = DefaultIDsPerCall
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{api: api, parser: parser, pageSize: pageSize, idsPerCall: idsPerCall, logger: logger}
}

// FetchSince returns messages newer than watermark. With a zero watermark
// only unread inbound messages are fetched. Any page failure aborts the
// whole batch.
func (f *Fetcher) FetchSince(ctx context.Context, watermark uint64) (*message.Batch, error) {
	records, err := f.FetchSinceRaw(ctx, watermark)
	if err != nil {
		return nil, err
	}
	return f.parser.Parse(records), nil
}

// FetchByIDs returns the messages with the given ids.
func (f *Fetcher) FetchByIDs(ctx context.Context, ids []uint64) (*message.Batch, error) {
	records, err := f.FetchByIDsRaw(ctx, ids)
	if err != nil {
		return nil, err
	}
	return f.parser.Parse(records), nil
}

// FetchSinceRaw is FetchSince without parsing.
func (f *Fetcher) FetchSinceRaw(ctx context.Context, watermark uint64) ([]gjson.Result, error) {
	var records []gjson.Result
	if watermark == 0 {
		params := url.Values{"out": {"0"}, "filters": {"1"}}
		if err := f.fetchPages(ctx, params, &records); err != nil {
			return nil, fmt.Errorf("fetch unread: %w", err)
		}
		return records, nil
	}

	for _, out := range []string{"0", "1"} {
		params := url.Values{
			"out":             {out},
			"last_message_id": {strconv.FormatUint(watermark, 10)},
		}
		if err := f.fetchPages(ctx, params, &records); err != nil {
			return nil, fmt.Errorf("fetch since %d (out=%s): %w", watermark, out, err)
		}
	}
	return records, nil
}

// FetchByIDsRaw is FetchByIDs without parsing. Empty ids make no request.
func (f *Fetcher) FetchByIDsRaw(ctx context.Context, ids []uint64) ([]gjson.Result, error) {
	var records []gjson.Result
	for start := 0; start < len(ids); start += f.idsPerCall {
		end := min(start+f.idsPerCall, len(ids))
		resp, err := f.api.Call(ctx, "messages.getById", url.Values{"message_ids": {joinIDs(ids[start:end])}})
		if err != nil {
			return nil, fmt.Errorf("fetch by ids: %w", err)
		}
		records = append(records, resp.Get("items").Array()...)
	}
	return records, nil
}

func (f *Fetcher) fetchPages(ctx context.Context, base url.Values, records *[]gjson.Result) error {
	for offset := 0; ; offset += f.pageSize {
		params := url.Values{}
		for k, v := range base {
			params[k] = v
		}
		params.Set("count", strconv.Itoa(f.pageSize))
		params.Set("offset", strconv.Itoa(offset))

		resp, err := f.api.Call(ctx, "messages.get", params)
		if err != nil {
			return err
		}
		items := resp.Get("items").Array()
		*records = append(*records, items...)
		f.logger.Debug("fetched page",
			zap.String("out", base.Get("out")),
			zap.Int("offset", offset),
			zap.Int("records", len(items)))

		count := resp.Get("count")
		if len(items) < f.pageSize || (count.Exists() && int64(offset+len(items)) >= count.Int()) {
			return nil
		}
	}
}
