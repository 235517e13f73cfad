package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/cache"
	"meshcall/pkg/retry"

	"go.uber.org/zap"
)

type SignalingOptions struct {
	Retry     retry.Config  `yaml:"retry"`
	SeenTTL   time.Duration `yaml:"seen_ttl"`
	SendRate  float64       `yaml:"send_rate"`
	SendBurst int           `yaml:"send_burst"`
}

func DefaultSignalingOptions() SignalingOptions {
	return SignalingOptions{
		Retry:     retry.DefaultConfig(),
		SeenTTL:   10 * time.Minute,
		SendRate:  50,
		SendBurst: 20,
	}
}

// SignalingChannel carries offers, answers and ICE candidates through
// per-recipient inbox collections. Each inbox document is consumed once and
// deleted after its handler returns.
type SignalingChannel struct {
	store   ports.DocumentStore
	groupID domain.GroupID
	retry   retry.Config
	seen    *cache.Cache[struct{}]
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
}

func NewSignalingChannel(
	store ports.DocumentStore,
	groupID domain.GroupID,
	opts SignalingOptions,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *SignalingChannel {
	ttl := opts.SeenTTL
	if ttl <= 0 {
		ttl = DefaultSignalingOptions().SeenTTL
	}
	return &SignalingChannel{
		store:   store,
		groupID: groupID,
		retry:   opts.Retry,
		seen:    cache.New[struct{}](ttl),
		metrics: metrics,
		logger:  logger,
	}
}

// Send appends msg to the recipient's inbox. The store stamps the timestamp.
func (c *SignalingChannel) Send(ctx context.Context, to domain.UserID, msg domain.SignalMessage) error {
	collection := inboxCollection(c.groupID, to)
	data := encodeSignal(msg)
	_, err := retry.RetryWithResult(ctx, c.retry, func() (string, error) {
		return c.store.Add(ctx, collection, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %w", domain.ErrSignalingDelivery, msg.Type, to, err)
	}
	return nil
}

// SubscribeInbox delivers every message addressed to self in timestamp order.
// onMessage runs on the store's goroutine and the document is deleted once it
// returns. Redelivered documents are deleted without a second delivery.
func (c *SignalingChannel) SubscribeInbox(
	ctx context.Context,
	self domain.UserID,
	onMessage func(domain.SignalMessage),
) (ports.Subscription, error) {
	q := ports.Query{Collection: inboxCollection(c.groupID, self), OrderBy: fieldTimestamp}

	onChanges := func(changes []ports.DocumentChange) {
		for _, ch := range changes {
			if ch.Kind != ports.ChangeAdded {
				continue
			}
			path := inboxMessagePath(c.groupID, self, ch.Doc.ID)

			if !c.seen.Add(ch.Doc.ID, struct{}{}) {
				c.metrics.SignalDropped("redelivered")
				c.deleteProcessed(ctx, path)
				continue
			}

			msg, err := decodeSignal(ch.Doc)
			if err != nil {
				c.logger.Warnw("discarding malformed signal",
					"message_id", ch.Doc.ID,
					"error", err,
				)
				c.metrics.SignalDropped("invalid")
				c.deleteProcessed(ctx, path)
				continue
			}

			c.metrics.SignalReceived(string(msg.Type))
			onMessage(msg)
			c.deleteProcessed(ctx, path)
		}
	}
	onError := func(err error) {
		c.logger.Warnw("inbox subscription stopped",
			"user_id", self,
			"error", err,
		)
	}

	sub, err := c.store.Subscribe(ctx, q, onChanges, onError)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	return sub, nil
}

// DrainInbox deletes every message currently in self's inbox.
func (c *SignalingChannel) DrainInbox(ctx context.Context, self domain.UserID) (int, error) {
	docs, err := c.store.List(ctx, ports.Query{Collection: inboxCollection(c.groupID, self)})
	if err != nil {
		return 0, fmt.Errorf("list inbox: %w", err)
	}

	var errs []error
	removed := 0
	for _, doc := range docs {
		path := inboxMessagePath(c.groupID, self, doc.ID)
		if err := c.store.Delete(ctx, path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", doc.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (c *SignalingChannel) Close() {
	c.seen.Stop()
}

func (c *SignalingChannel) deleteProcessed(ctx context.Context, path string) {
	err := retry.Retry(ctx, c.retry, func() error {
		return c.store.Delete(ctx, path)
	})
	if err != nil {
		c.logger.Warnw("failed to delete processed signal",
			"path", path,
			"error", err,
		)
	}
}
