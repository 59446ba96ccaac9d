package engine

import (
	"context"
	"sync"
	"time"

	"auction_go/internal/domain"
)

// CommandKind names a listing command.
type CommandKind string

const (
	CmdActivate CommandKind = "activate"
	CmdSubmit   CommandKind = "submit"
	CmdKick     CommandKind = "kick"
	CmdExpire   CommandKind = "expire"
	CmdCancel   CommandKind = "cancel"
	CmdSuspend  CommandKind = "suspend"
)

// Command is one entry of a listing's inbox. Commands carry their own
// timestamp and reputation so that replaying the log reproduces the outcome.
type Command struct {
	Kind       CommandKind   `json:"kind"`
	BidderID   string        `json:"bidder_id,omitempty"`
	MaxAmount  domain.Amount `json:"max_amount,omitempty"`
	Reputation float64       `json:"reputation,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}

// Activate opens bidding.
func Activate(at time.Time) Command {
	return Command{Kind: CmdActivate, At: at}
}

// Submit places or raises a sealed maximum.
func Submit(bidderID string, maxAmount domain.Amount, reputation float64, at time.Time) Command {
	return Command{Kind: CmdSubmit, BidderID: bidderID, MaxAmount: maxAmount, Reputation: reputation, At: at}
}

// Kick removes a bidder.
func Kick(bidderID, reason string, at time.Time) Command {
	return Command{Kind: CmdKick, BidderID: bidderID, Reason: reason, At: at}
}

// Expire is the deadline tick.
func Expire(at time.Time) Command {
	return Command{Kind: CmdExpire, At: at}
}

// Cancel withdraws the listing.
func Cancel(reason string, at time.Time) Command {
	return Command{Kind: CmdCancel, Reason: reason, At: at}
}

// Suspend takes the listing down for moderation.
func Suspend(reason string, at time.Time) Command {
	return Command{Kind: CmdSuspend, Reason: reason, At: at}
}

// Future is the pending result of an enqueued command.
// Abandoning it does not cancel the command.
type Future struct {
	done   chan struct{}
	once   sync.Once
	update Update
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(u Update, err error) {
	f.once.Do(func() {
		f.update = u
		f.err = err
		close(f.done)
	})
}

// Done is closed once the command has been applied or rejected.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the command completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (Update, error) {
	select {
	case <-f.done:
		return f.update, f.err
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}
