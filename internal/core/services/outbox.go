package services

import (
	"context"
	"errors"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type outboundSignal struct {
	to  domain.UserID
	msg domain.SignalMessage
}

// Outbox sends signals in the order they were queued without blocking the
// caller. Writes are paced by a token bucket so a burst of ICE candidates
// does not hammer the store.
type Outbox struct {
	channel *SignalingChannel
	limiter *rate.Limiter
	queue   *mailbox[outboundSignal]
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func NewOutbox(channel *SignalingChannel, opts SignalingOptions, metrics ports.CallMetrics, logger *zap.SugaredLogger) *Outbox {
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	burst := opts.SendBurst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		channel: channel,
		limiter: rate.NewLimiter(limit, burst),
		queue:   newMailbox[outboundSignal](),
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (o *Outbox) Start() {
	o.startOnce.Do(func() {
		go o.run()
	})
}

// Enqueue queues msg for to. It reports false after Close.
func (o *Outbox) Enqueue(to domain.UserID, msg domain.SignalMessage) bool {
	return o.queue.Put(outboundSignal{to: to, msg: msg})
}

// Discard drops messages still queued for to.
func (o *Outbox) Discard(to domain.UserID) int {
	return o.queue.Remove(func(s outboundSignal) bool { return s.to == to })
}

func (o *Outbox) Pending() int {
	return o.queue.Len()
}

// Close drops pending messages, aborts the send in flight and waits for the
// worker to exit.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		o.queue.Close(true)
		o.cancel()
		o.startOnce.Do(func() { close(o.done) })
		<-o.done
	})
}

func (o *Outbox) run() {
	defer close(o.done)
	o.queue.Drain(o.deliver)
}

func (o *Outbox) deliver(s outboundSignal) {
	if err := o.limiter.Wait(o.ctx); err != nil {
		return
	}
	if err := o.channel.Send(o.ctx, s.to, s.msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		o.metrics.SignalFailed()
		o.logger.Warnw("signal delivery failed",
			"to", s.to,
			"type", s.msg.Type,
			"error", err,
		)
		return
	}
	o.metrics.SignalSent(string(s.msg.Type))
}
