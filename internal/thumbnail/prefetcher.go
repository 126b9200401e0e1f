// Package thumbnail resolves pending thumbnail placeholders: it downloads
// each image, normalizes it, stores it and substitutes an image reference
// into the message text.
package thumbnail

import (
	"context"

	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/metrics"
	"github.com/matheus3301/vksync/internal/store"
	"go.uber.org/zap"
)

// Downloader fetches a thumbnail source.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// ImageStore persists normalized images and returns their ids.
type ImageStore interface {
	PutImage(ctx context.Context, img *store.Image) (int64, error)
}

// Stats summarizes one Prefetch call.
type Stats struct {
	Stored int
	Failed int
}

// Prefetcher resolves thumbnails one at a time, in message order.
type Prefetcher struct {
	downloader Downloader
	images     ImageStore
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewPrefetcher creates a prefetcher.
func NewPrefetcher(d Downloader, images ImageStore, opts Options, m *metrics.Metrics, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prefetcher{downloader: d, images: images, opts: opts, metrics: m, logger: logger}
}

// Prefetch resolves every pending thumbnail of msgs. A failed entry leaves
// its placeholder in the text and processing continues with the next one.
// If ctx is cancelled the remaining entries are left untouched.
func (p *Prefetcher) Prefetch(ctx context.Context, msgs []*message.Message) Stats {
	var stats Stats
	for _, msg := range msgs {
		pending := msg.PendingThumbnails
		for i, thumb := range pending {
			if ctx.Err() != nil {
				msg.PendingThumbnails = pending[i:]
				return stats
			}
			if err := p.resolve(ctx, msg, thumb); err != nil {
				stats.Failed++
				p.metrics.Thumbnail("failed")
				p.logger.Warn("thumbnail prefetch failed",
					zap.Uint64("msg_id", msg.ID),
					zap.String("url", thumb.URL),
					zap.Error(err))
				continue
			}
			stats.Stored++
			p.metrics.Thumbnail("stored")
		}
		msg.PendingThumbnails = nil
	}
	return stats
}

func (p *Prefetcher) resolve(ctx context.Context, msg *message.Message, thumb message.Thumbnail) error {
	data, err := p.downloader.Download(ctx, thumb.URL)
	if err != nil {
		return err
	}
	norm, err := Normalize(data, p.opts)
	if err != nil {
		return err
	}
	id, err := p.images.PutImage(ctx, &store.Image{
		SourceURL: thumb.URL,
		MIME:      norm.MIME,
		Width:     norm.Width,
		Height:    norm.Height,
		Data:      norm.Data,
	})
	if err != nil {
		return err
	}
	msg.ReplaceToken(thumb.Token, message.ImageTag(id))
	return nil
}
