package storage

import (
	"context"
	"time"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

// RunPublishedSubscriber marks drafts published when the pipeline reports a
// successful delivery. The handoff lives here rather than in the pipeline so
// the publish path never depends on draft bookkeeping.
//
// Blocks until ctx is done.
func RunPublishedSubscriber(ctx context.Context, bus eventbus.Bus, store Store, log logx.Logger) {
	if store == nil || bus == nil {
		return
	}
	log = log.With(logx.String("comp", "storage"))

	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypePostPublished {
				continue
			}
			pub, ok := ev.Data.(eventbus.PostPublished)
			if !ok {
				continue
			}
			at := pub.At
			if at.IsZero() {
				at = ev.Time
			}
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := store.MarkPublished(mctx, pub.ItemID, at)
			cancel()
			if err != nil {
				log.Warn("mark published failed",
					logx.String("item", pub.ItemID),
					logx.Any("err", err),
				)
				continue
			}
			log.Debug("draft marked published",
				logx.String("item", pub.ItemID),
				logx.String("group", pub.Group),
			)
		}
	}
}
