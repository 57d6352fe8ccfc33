package memory

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/vendor"
	"github.com/code-payments/market-billing/signature"
)

// Op names a vendor billing call, for failure injection.
type Op string

const (
	OpIsBillingSupported  Op = "is_billing_supported"
	OpGetSkuDetails       Op = "get_sku_details"
	OpGetPurchases        Op = "get_purchases"
	OpGetPurchaseHistory  Op = "get_purchase_history"
	OpConsumePurchase     Op = "consume_purchase"
	OpAcknowledgePurchase Op = "acknowledge_purchase"
	OpGetBuyIntent        Op = "get_buy_intent"
)

type catalogEntry struct {
	productID string
	raw       string
}

type record struct {
	purchaseType iap.PurchaseType
	productID    string
	token        string
	raw          string
	signature    string
	acknowledged bool
}

// Vendor is an in-memory vendor app: a catalog, the user's entitlements, and
// knobs to make the billing surface misbehave.
type Vendor struct {
	mu sync.Mutex

	schema   iap.Schema
	signer   *rsa.PrivateKey
	pageSize int

	installed bool
	bindErr   error
	bindDelay time.Duration
	dropped   bool

	catalog   map[iap.PurchaseType][]catalogEntry
	owned     []*record
	history   []*record
	failures  map[Op]vendor.ResponseCode
	malformed map[Op]bool

	binds  int
	closes int
	orders int
}

func NewVendor(schema iap.Schema) *Vendor {
	return &Vendor{
		schema:    schema,
		installed: true,
		catalog:   map[iap.PurchaseType][]catalogEntry{},
		failures:  map[Op]vendor.ResponseCode{},
		malformed: map[Op]bool{},
	}
}

// SetSigner makes the vendor sign purchase data with priv.
func (v *Vendor) SetSigner(priv *rsa.PrivateKey) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.signer = priv
}

func (v *Vendor) SetInstalled(installed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.installed = installed
}

// SetBindError makes subsequent binds fail with err.
func (v *Vendor) SetBindError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.bindErr = err
}

func (v *Vendor) SetBindDelay(delay time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.bindDelay = delay
}

// SetPageSize limits purchase listings to n records per page. Zero disables
// pagination.
func (v *Vendor) SetPageSize(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.pageSize = n
}

// FailWith makes op answer with code until ClearFailures.
func (v *Vendor) FailWith(op Op, code vendor.ResponseCode) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.failures[op] = code
}

// Malform makes op answer OK without its payload until ClearFailures.
func (v *Vendor) Malform(op Op) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.malformed[op] = true
}

func (v *Vendor) ClearFailures() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.failures = map[Op]vendor.ResponseCode{}
	v.malformed = map[Op]bool{}
}

// DropConnection makes every bound service fail with vendor.ErrDisconnected
// until the next bind.
func (v *Vendor) DropConnection() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.dropped = true
}

func (v *Vendor) Binds() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.binds
}

func (v *Vendor) Closes() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.closes
}

func (v *Vendor) AddProduct(purchaseType iap.PurchaseType, product *iap.Product) error {
	raw, err := v.schema.EncodeProduct(product)
	if err != nil {
		return err
	}
	v.AddRawProduct(purchaseType, product.ProductID, raw)
	return nil
}

// AddRawProduct adds a catalog record verbatim, malformed or not.
func (v *Vendor) AddRawProduct(purchaseType iap.PurchaseType, productID, raw string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.catalog[purchaseType] = append(v.catalog[purchaseType], catalogEntry{productID: productID, raw: raw})
}

// AddPurchase records an owned entitlement. Unless purchase carries its own
// signature, the purchase data is signed with the vendor's signer, if any.
// The returned purchase has OriginalJSON and Signature filled in.
func (v *Vendor) AddPurchase(purchaseType iap.PurchaseType, purchase *iap.Purchase) (*iap.Purchase, error) {
	raw, err := v.schema.EncodePurchase(purchase)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	sig := purchase.Signature
	if sig == "" && v.signer != nil {
		if sig, err = signature.Sign(v.signer, raw); err != nil {
			return nil, err
		}
	}

	v.addRecordLocked(&record{
		purchaseType: purchaseType,
		productID:    purchase.ProductID,
		token:        purchase.PurchaseToken,
		raw:          raw,
		signature:    sig,
	})

	stored := purchase.Clone()
	stored.OriginalJSON = raw
	stored.Signature = sig
	return stored, nil
}

// AddRawPurchase records purchase data verbatim, malformed or not.
func (v *Vendor) AddRawPurchase(purchaseType iap.PurchaseType, token, raw, sig string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.addRecordLocked(&record{
		purchaseType: purchaseType,
		token:        token,
		raw:          raw,
		signature:    sig,
	})
}

// CompletePurchase plays the user finishing a purchase flow for productID,
// returning the signed purchase data the platform would deliver.
func (v *Vendor) CompletePurchase(productID, payload string) (raw, sig string, err error) {
	v.mu.Lock()
	v.orders++
	purchase := &iap.Purchase{
		ProductID:        productID,
		PurchaseToken:    uuid.NewString(),
		OrderID:          fmt.Sprintf("order-%d", v.orders),
		PurchaseTime:     strconv.FormatInt(time.Now().UnixMilli(), 10),
		DeveloperPayload: payload,
	}
	v.mu.Unlock()

	stored, err := v.AddPurchase(iap.PurchaseTypeInApp, purchase)
	if err != nil {
		return "", "", err
	}
	return stored.OriginalJSON, stored.Signature, nil
}

func (v *Vendor) IsOwned(token string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.findOwnedLocked(token) >= 0
}

func (v *Vendor) IsAcknowledged(token string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	i := v.findOwnedLocked(token)
	return i >= 0 && v.owned[i].acknowledged
}

func (v *Vendor) addRecordLocked(r *record) {
	v.owned = append(v.owned, r)
	history := *r
	v.history = append(v.history, &history)
}

func (v *Vendor) findOwnedLocked(token string) int {
	if token == "" {
		return -1
	}
	for i, r := range v.owned {
		if r.token == token {
			return i
		}
	}
	return -1
}

func (v *Vendor) bind(ctx context.Context) (vendor.Service, error) {
	v.mu.Lock()
	bindErr, delay := v.bindErr, v.bindDelay
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if bindErr != nil {
		return nil, bindErr
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.binds++
	v.dropped = false
	return &service{vendor: v}, nil
}

// Binder is an in-memory platform on which vendor apps can be installed.
type Binder struct {
	mu      sync.RWMutex
	vendors map[string]*Vendor
}

var _ vendor.Binder = (*Binder)(nil)

func NewBinder() *Binder {
	return &Binder{vendors: map[string]*Vendor{}}
}

func (b *Binder) Install(vendorPackage string, v *Vendor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.vendors[vendorPackage] = v
}

func (b *Binder) IsInstalled(_ context.Context, vendorPackage string) bool {
	v := b.Vendor(vendorPackage)
	if v == nil {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.installed
}

func (b *Binder) Bind(ctx context.Context, vendorPackage, _ string) (vendor.Service, error) {
	if !b.IsInstalled(ctx, vendorPackage) {
		return nil, vendor.ErrNotInstalled
	}
	return b.Vendor(vendorPackage).bind(ctx)
}

// Vendor returns the vendor app installed as vendorPackage, if any.
func (b *Binder) Vendor(vendorPackage string) *Vendor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.vendors[vendorPackage]
}
