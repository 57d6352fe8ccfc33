package iap

import (
	"context"
)

type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type ConnectionCode uint8

const (
	ConnectionOK ConnectionCode = iota
	ConnectionVendorMissing
	ConnectionServiceUnavailable
	ConnectionBindRejected
	ConnectionTimeout
)

func (c ConnectionCode) String() string {
	switch c {
	case ConnectionOK:
		return "ok"
	case ConnectionVendorMissing:
		return "vendor_missing"
	case ConnectionServiceUnavailable:
		return "service_unavailable"
	case ConnectionBindRejected:
		return "bind_rejected"
	case ConnectionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type ConnectionResult struct {
	Connected bool
	Code      ConnectionCode
	Message   string
}

// Backend is the capability set every market's billing surface exposes.
//
// Implementations never panic and never surface errors: connectivity and
// protocol failures are logged and reported as the operation's empty value.
type Backend interface {
	Market() Market
	Schema() Schema
	State() State

	// Connect establishes a channel to the vendor's billing surface. Calling
	// it while connected is a no-op.
	Connect(ctx context.Context) ConnectionResult

	// Disconnect releases the channel if held. It is idempotent.
	Disconnect(ctx context.Context)

	// IsBillingSupported is true only if connected and the vendor reports
	// in-app billing support.
	IsBillingSupported(ctx context.Context) bool

	// GetProductDetails returns the catalog entries the vendor recognized.
	// Unknown ids are silently dropped.
	GetProductDetails(ctx context.Context, ids []string) []*Product

	// GetPurchases returns owned, unconsumed entitlements.
	GetPurchases(ctx context.Context) []*Purchase

	// GetPurchaseHistory returns historical entitlements, including consumed ones.
	GetPurchaseHistory(ctx context.Context) []*Purchase

	ConsumePurchase(ctx context.Context, token string) bool
	AcknowledgePurchase(ctx context.Context, token, payload string) bool

	// RequestPurchase starts the purchase flow. The finished purchase arrives
	// later as a Completion. Returns nil if the flow cannot be started.
	RequestPurchase(ctx context.Context, productID, payload string) *PurchaseIntent
}

// Verifier checks a vendor signature over a purchase payload.
type Verifier interface {
	// Verify reports whether signature is a valid signature of payload under
	// publicKey. Malformed input of any kind yields false.
	Verify(payload, signature, publicKey string) bool
}
