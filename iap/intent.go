package iap

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/market-billing/event"
)

const intentNotifyTimeout = time.Second

// PurchaseIntent is the pending handle for a started purchase flow.
type PurchaseIntent struct {
	ID        string
	Market    Market
	ProductID string
	Payload   string

	// Launch is the opaque vendor object the platform uses to show the
	// purchase flow.
	Launch any

	stream *event.ChanStream[*PurchaseOutcome]
}

// PurchaseOutcome is what a completed purchase flow resolves to.
type PurchaseOutcome struct {
	Purchase *Purchase
	Err      error
}

// Completion is the out-of-band result of a purchase flow, as delivered by the
// platform.
type Completion struct {
	IntentID     string
	ResponseCode int
	PurchaseData string
	Signature    string
}

func NewPurchaseIntent(market Market, productID, payload string, launch any) *PurchaseIntent {
	id := uuid.NewString()
	return &PurchaseIntent{
		ID:        id,
		Market:    market,
		ProductID: productID,
		Payload:   payload,
		Launch:    launch,
		stream:    event.NewChanStream[*PurchaseOutcome](id, 1),
	}
}

// Wait blocks until the purchase flow completes, the intent is abandoned, or
// ctx is done.
func (i *PurchaseIntent) Wait(ctx context.Context) (*Purchase, error) {
	outcome, ok, err := i.stream.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrIntentAbandoned
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Purchase.Clone(), nil
}

func (i *PurchaseIntent) resolve(outcome *PurchaseOutcome) error {
	if err := i.stream.Notify(outcome, intentNotifyTimeout); err != nil {
		return err
	}
	i.stream.Close()
	return nil
}

func (i *PurchaseIntent) abandon() {
	i.stream.Close()
}
