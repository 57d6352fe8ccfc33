package iap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	ErrUnknownMarket      = errors.New("unknown market")
	ErrNotConnected       = errors.New("billing backend not connected")
	ErrNotInitialized     = errors.New("billing session not initialized")
	ErrMissingField       = errors.New("missing required field")
	ErrInvalidKeyConfig   = errors.New("invalid key config")
	ErrPurchaseFailed     = errors.New("purchase failed")
	ErrPurchaseCanceled   = errors.New("purchase canceled")
	ErrVerificationFailed = errors.New("purchase signature verification failed")
	ErrIntentAbandoned    = errors.New("purchase intent abandoned")
)

// Market identifies one of the supported billing backends.
type Market uint8

const (
	MarketBazaar Market = iota
	MarketMyket
)

// Markets lists every supported market, default first.
var Markets = []Market{MarketBazaar, MarketMyket}

func (m Market) String() string {
	switch m {
	case MarketBazaar:
		return "bazaar"
	case MarketMyket:
		return "myket"
	default:
		return fmt.Sprintf("market(%d)", uint8(m))
	}
}

// KeyEnv is the name of the configuration key holding the market's RSA public key.
func (m Market) KeyEnv() string {
	return strings.ToUpper(m.String()) + "_RSA_KEY"
}

func (m Market) Valid() bool {
	return m == MarketBazaar || m == MarketMyket
}

func ParseMarket(s string) (Market, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bazaar":
		return MarketBazaar, nil
	case "myket":
		return MarketMyket, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMarket, s)
	}
}

type PurchaseType string

const (
	PurchaseTypeInApp        PurchaseType = "inapp"
	PurchaseTypeSubscription PurchaseType = "subs"
)

// PurchaseTypes is the order in which catalogs and entitlements are queried.
var PurchaseTypes = []PurchaseType{PurchaseTypeInApp, PurchaseTypeSubscription}

// VerificationStatus records what signature checking was applied to a Purchase.
type VerificationStatus uint8

const (
	VerificationUnknown VerificationStatus = iota
	// VerificationSkipped means no public key was configured for the market,
	// so the purchase is reported as the vendor returned it.
	VerificationSkipped
	VerificationPassed
)

func (s VerificationStatus) String() string {
	switch s {
	case VerificationSkipped:
		return "skipped"
	case VerificationPassed:
		return "passed"
	default:
		return "unknown"
	}
}

type Product struct {
	ProductID   string
	Title       string
	Description string
	Price       string

	// PriceAmountMicros is the price scaled by 1e6, kept in its textual form.
	PriceAmountMicros string
	PriceCurrencyCode string
}

// PriceAmount returns the price in currency units.
func (p *Product) PriceAmount() (decimal.Decimal, error) {
	micros, err := decimal.NewFromString(p.PriceAmountMicros)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price micros %q: %w", p.PriceAmountMicros, err)
	}
	return micros.Shift(-6), nil
}

func (p *Product) Currency() (currency.Unit, error) {
	return currency.ParseISO(p.PriceCurrencyCode)
}

func (p *Product) Clone() *Product {
	cloned := *p
	return &cloned
}

type Purchase struct {
	Market           Market
	ProductID        string
	PurchaseToken    string
	OrderID          string
	PurchaseTime     string
	DeveloperPayload string
	IsAutoRenewing   bool

	// OriginalJSON is the exact payload the vendor signed. It must never be
	// re-encoded before verification.
	OriginalJSON string
	Signature    string

	Verification VerificationStatus
}

func (p *Purchase) Clone() *Purchase {
	cloned := *p
	return &cloned
}

func (p *Purchase) IsSigned() bool {
	return p.Signature != ""
}

// KeyConfig holds the public key used to verify a market's purchases.
type KeyConfig struct {
	// PublicKey is a base64 encoded X.509 SubjectPublicKeyInfo DER blob.
	PublicKey string

	// PrivateKey and KeyAlias are only used by local signing flows.
	PrivateKey string
	KeyAlias   string
}

func (c KeyConfig) Validate() error {
	if strings.TrimSpace(c.PublicKey) == "" {
		return fmt.Errorf("%w: public key is required", ErrInvalidKeyConfig)
	}
	return nil
}
