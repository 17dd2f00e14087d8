package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/censys/scan-resolver/pkg/resolution"
)

// Acker settles a received message. *pubsub.Message satisfies it.
type Acker interface {
	Ack()
	Nack()
}

// ReceiveFunc pulls messages until ctx is done, passing each to handle along
// with the handle used to settle it.
type ReceiveFunc func(ctx context.Context, handle func(ctx context.Context, msg *pubsub.Message, acker Acker)) error

// SubscriptionReceiver adapts a Pub/Sub subscription to a ReceiveFunc.
func SubscriptionReceiver(sub *pubsub.Subscription) ReceiveFunc {
	return func(ctx context.Context, handle func(context.Context, *pubsub.Message, Acker)) error {
		return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			handle(ctx, msg, msg)
		})
	}
}

// Batch feeds one resolver from concurrent receive callbacks and keeps every
// accepted message outstanding until the run is settled.
type Batch struct {
	mu      sync.Mutex
	r       *resolution.Resolver
	held    []Acker
	settled bool
	commit  bool
}

func NewBatch(r *resolution.Resolver) *Batch {
	return &Batch{r: r}
}

func (b *Batch) AddObservation(o resolution.Observation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r.AddObservation(o)
}

func (b *Batch) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r.Closed()
}

func (b *Batch) Seen(scanID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r.Seen(scanID)
}

// Finalize closes the resolver once in-flight adds have returned.
func (b *Batch) Finalize(ctx context.Context, lastCheckDate time.Time) ([]resolution.ScanDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r.Finalize(ctx, lastCheckDate)
}

// Hold keeps m outstanding and returns how many messages are held. A message
// held after Settle is settled the same way straight away.
func (b *Batch) Hold(m Acker) int {
	b.mu.Lock()
	if !b.settled {
		b.held = append(b.held, m)
		n := len(b.held)
		b.mu.Unlock()
		return n
	}
	commit := b.commit
	b.mu.Unlock()

	if commit {
		m.Ack()
	} else {
		m.Nack()
	}
	return 0
}

// Settle acks every held message when commit is true and nacks them
// otherwise. Only the first call has an effect.
func (b *Batch) Settle(commit bool) {
	b.mu.Lock()
	if b.settled {
		b.mu.Unlock()
		return
	}
	b.settled, b.commit = true, commit
	held := b.held
	b.held = nil
	b.mu.Unlock()

	for _, m := range held {
		if commit {
			m.Ack()
		} else {
			m.Nack()
		}
	}
}

func (b *Batch) handle(ctx context.Context, dlq DLQPublisher, msg *pubsub.Message, acker Acker) int {
	switch HandleMessage(ctx, b, dlq, msg) {
	case Ack:
		acker.Ack()
	case Nack:
		acker.Nack()
	case Hold:
		return b.Hold(acker)
	}
	return 0
}

// Run receives observations for at most window, or until limit messages are
// held, then finalizes the resolver with lastCheckDate. Held messages are
// acked only once Finalize has persisted the check state; an interrupted
// run, a receive failure or a persist failure nacks them for redelivery.
func (b *Batch) Run(ctx context.Context, receive ReceiveFunc, dlq DLQPublisher, window time.Duration, limit int, lastCheckDate time.Time) ([]resolution.ScanDescriptor, error) {
	intakeCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- receive(intakeCtx, func(ctx context.Context, msg *pubsub.Message, acker Acker) {
			if n := b.handle(ctx, dlq, msg, acker); limit > 0 && n >= limit {
				cancel()
			}
		})
	}()

	var (
		recvErr  error
		returned bool
	)
	select {
	case <-intakeCtx.Done():
	case recvErr = <-done:
		returned = true
		cancel()
	}

	// Receive only returns once every outstanding message is settled, so
	// settle before waiting on it.
	abort := func(err error) ([]resolution.ScanDescriptor, error) {
		b.Settle(false)
		if !returned {
			<-done
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return abort(err)
	}
	if recvErr != nil && !errors.Is(recvErr, context.Canceled) && !errors.Is(recvErr, context.DeadlineExceeded) {
		return abort(fmt.Errorf("receive observations: %w", recvErr))
	}

	scans, err := b.Finalize(ctx, lastCheckDate)
	if err != nil {
		return abort(err)
	}
	b.Settle(true)

	if !returned {
		recvErr = <-done
	}
	if recvErr != nil && !errors.Is(recvErr, context.Canceled) && !errors.Is(recvErr, context.DeadlineExceeded) {
		// The run is already persisted; only late deliveries were affected.
		slog.Warn("receive ended with error after finalize", "error", recvErr)
	}
	return scans, nil
}
