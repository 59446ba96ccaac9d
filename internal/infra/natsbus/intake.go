package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/engine"

	"github.com/nats-io/nats.go"
)

const (
	// CommandSubjects matches every command subject, e.g. auction.cmd.bid.
	CommandSubjects = "auction.cmd.*"
	commandPrefix   = "auction.cmd."
	queueGroup      = "auction-engine"
	handleTimeout   = 5 * time.Second
)

// Handler is the command surface the intake drives.
type Handler interface {
	OpenListing(ctx context.Context, facts domain.ListingFacts) (engine.Snapshot, error)
	Activate(ctx context.Context, listingID string) (engine.Update, error)
	PlaceBid(ctx context.Context, listingID, bidderID string, maxAmount domain.Amount) (engine.Update, error)
	KickBidder(ctx context.Context, listingID, sellerID, bidderID, reason string) (engine.Update, error)
	CancelListing(ctx context.Context, listingID, sellerID, reason string) (engine.Update, error)
	SuspendListing(ctx context.Context, listingID, reason string) (engine.Update, error)
	GetListing(listingID string) (engine.Snapshot, error)
}

// Request is the JSON body of a command message.
type Request struct {
	ListingID string               `json:"listing_id"`
	BidderID  string               `json:"bidder_id,omitempty"`
	SellerID  string               `json:"seller_id,omitempty"`
	MaxAmount domain.Amount        `json:"max_amount,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Facts     *domain.ListingFacts `json:"facts,omitempty"`
}

// Reply is sent back to the requester. Sealed maximums never appear in it.
type Reply struct {
	OK        bool            `json:"ok"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Minimum   domain.Amount   `json:"minimum,omitempty"`
	Retriable bool            `json:"retriable,omitempty"`
	Listing   *domain.Listing `json:"listing,omitempty"`
}

// Intake turns request/reply messages on auction.cmd.* into service calls.
type Intake struct {
	handler Handler
	logger  *slog.Logger
	sub     *nats.Subscription
}

// NewIntake creates an intake for handler.
func NewIntake(handler Handler, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{handler: handler, logger: logger}
}

// Start subscribes on the queue group and serves until ctx is done.
func (in *Intake) Start(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(CommandSubjects, queueGroup, func(msg *nats.Msg) {
		reply := in.Dispatch(ctx, msg.Subject, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			in.logger.Error("Reply marshal failed", slog.Any("error", err))
			return
		}
		if err := msg.Respond(data); err != nil {
			in.logger.Warn("Reply failed", slog.String("subject", msg.Subject), slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	in.sub = sub
	in.logger.Info("Command intake subscribed", slog.String("subject", CommandSubjects))

	<-ctx.Done()
	return in.Close()
}

// Close unsubscribes.
func (in *Intake) Close() error {
	if in.sub == nil {
		return nil
	}
	err := in.sub.Unsubscribe()
	in.sub = nil
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

// Dispatch handles one command message and builds its reply.
func (in *Intake) Dispatch(ctx context.Context, subject string, data []byte) Reply {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Code: "BAD_REQUEST", Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var (
		listing domain.Listing
		err     error
	)
	switch op := strings.TrimPrefix(subject, commandPrefix); op {
	case "open":
		if req.Facts == nil {
			return Reply{Code: "BAD_REQUEST", Error: "facts required"}
		}
		var snap engine.Snapshot
		snap, err = in.handler.OpenListing(ctx, *req.Facts)
		listing = snap.Listing
	case "activate":
		listing, err = updated(in.handler.Activate(ctx, req.ListingID))
	case "bid":
		listing, err = updated(in.handler.PlaceBid(ctx, req.ListingID, req.BidderID, req.MaxAmount))
	case "kick":
		listing, err = updated(in.handler.KickBidder(ctx, req.ListingID, req.SellerID, req.BidderID, req.Reason))
	case "cancel":
		listing, err = updated(in.handler.CancelListing(ctx, req.ListingID, req.SellerID, req.Reason))
	case "suspend":
		listing, err = updated(in.handler.SuspendListing(ctx, req.ListingID, req.Reason))
	case "get":
		var snap engine.Snapshot
		snap, err = in.handler.GetListing(req.ListingID)
		listing = snap.Listing
	default:
		return Reply{Code: "UNKNOWN_COMMAND", Error: "unknown command " + op}
	}

	if err != nil {
		return errorReply(err)
	}
	return Reply{OK: true, Listing: &listing}
}

func updated(upd engine.Update, err error) (domain.Listing, error) {
	return upd.Listing, err
}

func errorReply(err error) Reply {
	r := Reply{Error: err.Error(), Retriable: domain.IsRetriable(err), Code: "INTERNAL"}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		r.Code = ve.Code
		r.Minimum = ve.Minimum
		return r
	}

	codes := []struct {
		target error
		code   string
	}{
		{domain.ErrListingNotFound, "LISTING_NOT_FOUND"},
		{domain.ErrListingExists, "LISTING_EXISTS"},
		{domain.ErrListingNotActive, "LISTING_NOT_ACTIVE"},
		{domain.ErrAlreadySettled, "ALREADY_SETTLED"},
		{domain.ErrNotSeller, "NOT_SELLER"},
		{domain.ErrNoCommitment, "NO_COMMITMENT"},
		{domain.ErrConcurrencyTimeout, "CONCURRENCY_TIMEOUT"},
		{domain.ErrInvariantViolation, "LISTING_FROZEN"},
		{domain.ErrInvalidListing, "INVALID_LISTING"},
		{engine.ErrEngineClosed, "UNAVAILABLE"},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			r.Code = c.code
			break
		}
	}
	return r
}
