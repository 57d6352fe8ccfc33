package iap

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/code-payments/market-billing/event"
)

// Vendor response codes carried by a Completion.
const (
	completionOK           = 0
	completionUserCanceled = 1
)

type Option func(*Dispatcher)

// WithDefaultMarket sets the market Initialize uses when none is given.
func WithDefaultMarket(market Market) Option {
	return func(d *Dispatcher) {
		d.defaultMarket = market
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithKeyConfigs seeds the per-market public keys.
func WithKeyConfigs(keys map[Market]KeyConfig) Option {
	return func(d *Dispatcher) {
		for market, key := range keys {
			if key.Validate() == nil {
				d.keys[market] = key
			}
		}
	}
}

type callOptions struct {
	market *Market
}

type CallOption func(*callOptions)

// WithMarket routes a single call to market instead of the session's active
// market. The market's backend is attached and connected on first use.
func WithMarket(market Market) CallOption {
	return func(o *callOptions) {
		o.market = &market
	}
}

// Dispatcher is the billing session. It owns the active market, the
// per-market key configuration and the connected backends, and applies
// signature verification to every purchase it returns.
type Dispatcher struct {
	log           *zap.Logger
	registry      *Registry
	verifier      Verifier
	metrics       *Metrics
	defaultMarket Market

	// lifecycleMu serializes Initialize, Disconnect and backend attachment.
	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	active      Market
	backends    map[Market]Backend
	keys        map[Market]KeyConfig
	pending     map[string]*PurchaseIntent
}

func NewDispatcher(
	log *zap.Logger,
	registry *Registry,
	verifier Verifier,
	completions *event.Bus[Market, *Completion],
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		log:           log,
		registry:      registry,
		verifier:      verifier,
		defaultMarket: MarketBazaar,
		backends:      map[Market]Backend{},
		keys:          map[Market]KeyConfig{},
		pending:       map[string]*PurchaseIntent{},
	}
	for _, opt := range opts {
		opt(d)
	}

	if completions != nil {
		completions.AddHandler(event.HandlerFunc[Market, *Completion](d.onCompletion))
	}

	return d
}

// Initialize starts a session against market, or the default market if nil.
// Any previous session is torn down first. It returns whether the backend
// connected.
func (d *Dispatcher) Initialize(ctx context.Context, market *Market) bool {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	m := d.defaultMarket
	if market != nil {
		m = *market
	}
	log := d.log.With(zap.String("market", m.String()))

	backend, err := d.registry.NewBackend(m, d.log)

	d.mu.Lock()
	previous, pending := d.backends, d.pending
	d.backends = map[Market]Backend{}
	d.pending = map[string]*PurchaseIntent{}
	d.active = m
	d.initialized = err == nil
	if err == nil {
		d.backends[m] = backend
	}
	d.mu.Unlock()

	d.teardown(ctx, previous, pending)

	if err != nil {
		log.Warn("Failed to create billing backend", zap.Error(err))
		return false
	}

	result := backend.Connect(ctx)
	d.metrics.call(m, "connect", result.Connected)
	if !result.Connected {
		log.Warn("Failed to connect to billing backend",
			zap.String("code", result.Code.String()),
			zap.String("reason", result.Message),
		)
		return false
	}

	log.Info("Billing session initialized")
	return true
}

// Disconnect ends the session, releasing every backend and abandoning pending
// purchase intents.
func (d *Dispatcher) Disconnect(ctx context.Context) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	d.mu.Lock()
	previous, pending := d.backends, d.pending
	d.backends = map[Market]Backend{}
	d.pending = map[string]*PurchaseIntent{}
	d.initialized = false
	d.mu.Unlock()

	d.teardown(ctx, previous, pending)
}

// ActiveMarket returns the session's market and whether a session exists.
func (d *Dispatcher) ActiveMarket() (Market, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.active, d.initialized
}

// SetKeyConfig replaces the public key used to verify market's purchases.
func (d *Dispatcher) SetKeyConfig(market Market, cfg KeyConfig) error {
	if !market.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	d.keys[market] = cfg
	d.mu.Unlock()

	d.log.Debug("Key config updated", zap.String("market", market.String()))
	return nil
}

func (d *Dispatcher) KeyConfig(market Market) (KeyConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cfg, ok := d.keys[market]
	return cfg, ok
}

func (d *Dispatcher) IsBillingSupported(ctx context.Context, opts ...CallOption) bool {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return false
	}

	supported := backend.IsBillingSupported(ctx)
	d.metrics.call(market, "is_billing_supported", supported)
	return supported
}

func (d *Dispatcher) GetProducts(ctx context.Context, ids []string, opts ...CallOption) []*Product {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return nil
	}

	products := backend.GetProductDetails(ctx, ids)
	d.metrics.call(market, "get_products", len(products) > 0)
	return products
}

// Purchase starts the purchase flow for productID. The returned intent
// resolves once the platform delivers the matching Completion.
func (d *Dispatcher) Purchase(ctx context.Context, productID, payload string, opts ...CallOption) *PurchaseIntent {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return nil
	}

	intent := backend.RequestPurchase(ctx, productID, payload)
	d.metrics.call(market, "purchase", intent != nil)
	if intent == nil {
		return nil
	}

	// The session may have been torn down while the flow was starting.
	d.mu.Lock()
	current, attached := d.backends[market]
	registered := attached && current == backend
	if registered {
		d.pending[intent.ID] = intent
	}
	d.mu.Unlock()

	if !registered {
		intent.abandon()
		d.log.Warn("Abandoning purchase intent from a torn down session",
			zap.String("market", market.String()),
			zap.String("intent_id", intent.ID),
		)
		return nil
	}

	return intent
}

func (d *Dispatcher) Consume(ctx context.Context, token string, opts ...CallOption) bool {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return false
	}

	consumed := backend.ConsumePurchase(ctx, token)
	d.metrics.call(market, "consume", consumed)
	return consumed
}

func (d *Dispatcher) AcknowledgePurchase(ctx context.Context, token, payload string, opts ...CallOption) bool {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return false
	}

	acknowledged := backend.AcknowledgePurchase(ctx, token, payload)
	d.metrics.call(market, "acknowledge", acknowledged)
	return acknowledged
}

// GetPurchases returns the owned purchases that pass verification. Without a
// configured key every purchase is returned, marked VerificationSkipped.
func (d *Dispatcher) GetPurchases(ctx context.Context, opts ...CallOption) []*Purchase {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return nil
	}

	purchases := d.verified(market, backend.GetPurchases(ctx))
	d.metrics.call(market, "get_purchases", len(purchases) > 0)
	return purchases
}

func (d *Dispatcher) GetPurchaseHistory(ctx context.Context, opts ...CallOption) []*Purchase {
	backend, market, ok := d.resolve(ctx, opts)
	if !ok {
		return nil
	}

	purchases := d.verified(market, backend.GetPurchaseHistory(ctx))
	d.metrics.call(market, "get_purchase_history", len(purchases) > 0)
	return purchases
}

// IsPurchased reports whether productID is among GetPurchases. Failures of any
// kind read as not purchased.
func (d *Dispatcher) IsPurchased(ctx context.Context, productID string, opts ...CallOption) bool {
	for _, purchase := range d.GetPurchases(ctx, opts...) {
		if purchase.ProductID == productID {
			return true
		}
	}
	return false
}

// VerifyPurchaseSignature checks purchase against the key configured for its
// market. It is false when no key is configured.
func (d *Dispatcher) VerifyPurchaseSignature(purchase *Purchase) bool {
	if purchase == nil {
		return false
	}

	key, ok := d.KeyConfig(purchase.Market)
	if !ok {
		d.log.Warn("Cannot verify purchase without a configured key", zap.String("market", purchase.Market.String()))
		return false
	}

	valid := d.verify(purchase, key)
	d.metrics.verification(purchase.Market, verificationResult(valid))
	return valid
}

func (d *Dispatcher) resolve(ctx context.Context, opts []CallOption) (Backend, Market, bool) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.RLock()
	initialized, active := d.initialized, d.active
	market := active
	if o.market != nil {
		market = *o.market
	}
	backend, ok := d.backends[market]
	d.mu.RUnlock()

	if o.market == nil || market == active && initialized {
		if !ok {
			d.log.Warn("Skipping billing call", zap.Error(ErrNotInitialized))
			return nil, market, false
		}
		return backend, market, true
	}

	backend = d.attach(ctx, market)
	return backend, market, backend != nil
}

// attach returns the backend for a non-active market, creating it and
// (re)connecting it as needed.
func (d *Dispatcher) attach(ctx context.Context, market Market) Backend {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	log := d.log.With(zap.String("market", market.String()))

	d.mu.RLock()
	backend, ok := d.backends[market]
	d.mu.RUnlock()

	if !ok {
		created, err := d.registry.NewBackend(market, d.log)
		if err != nil {
			log.Warn("Failed to create billing backend", zap.Error(err))
			return nil
		}

		d.mu.Lock()
		d.backends[market] = created
		d.mu.Unlock()

		backend = created
	}

	if backend.State() == StateDisconnected {
		result := backend.Connect(ctx)
		d.metrics.call(market, "connect", result.Connected)
		if !result.Connected {
			log.Warn("Failed to connect to billing backend",
				zap.String("code", result.Code.String()),
				zap.String("reason", result.Message),
			)
		}
	}

	return backend
}

// verified applies the market's verification policy to a batch. The key is
// read once so the whole batch is judged against the same configuration.
func (d *Dispatcher) verified(market Market, purchases []*Purchase) []*Purchase {
	if len(purchases) == 0 {
		return nil
	}

	key, hasKey := d.KeyConfig(market)
	log := d.log.With(zap.String("market", market.String()))

	result := make([]*Purchase, 0, len(purchases))
	if !hasKey {
		log.Warn("No public key configured, returning unverified purchases", zap.Int("count", len(purchases)))
		for _, purchase := range purchases {
			cloned := purchase.Clone()
			cloned.Verification = VerificationSkipped
			result = append(result, cloned)
			d.metrics.verification(market, "skipped")
		}
		return result
	}

	for _, purchase := range purchases {
		valid := d.verify(purchase, key)
		d.metrics.verification(market, verificationResult(valid))
		if !valid {
			log.Warn("Dropping purchase that failed signature verification",
				zap.String("product_id", purchase.ProductID),
				zap.String("order_id", purchase.OrderID),
			)
			continue
		}

		cloned := purchase.Clone()
		cloned.Verification = VerificationPassed
		result = append(result, cloned)
	}
	return result
}

func (d *Dispatcher) verify(purchase *Purchase, key KeyConfig) bool {
	if !purchase.IsSigned() {
		return false
	}
	return d.verifier.Verify(purchase.OriginalJSON, purchase.Signature, key.PublicKey)
}

func (d *Dispatcher) onCompletion(market Market, completion *Completion) {
	if completion == nil {
		return
	}

	log := d.log.With(
		zap.String("market", market.String()),
		zap.String("intent_id", completion.IntentID),
	)

	d.mu.Lock()
	backend, attached := d.backends[market]
	intent, pending := d.pending[completion.IntentID]
	if attached && pending && intent.Market == market {
		delete(d.pending, completion.IntentID)
	}
	d.mu.Unlock()

	if !attached {
		log.Warn("Discarding purchase completion for inactive market")
		return
	}
	if !pending || intent.Market != market {
		log.Warn("Discarding purchase completion without a pending intent")
		return
	}

	outcome := d.completionOutcome(backend, intent, completion)
	if outcome.Err != nil {
		log.Warn("Purchase flow did not complete", zap.Error(outcome.Err))
	} else {
		log.Debug("Purchase flow completed", zap.String("product_id", outcome.Purchase.ProductID))
	}

	if err := intent.resolve(outcome); err != nil {
		log.Warn("Failed to deliver purchase completion", zap.Error(err))
	}
}

func (d *Dispatcher) completionOutcome(backend Backend, intent *PurchaseIntent, completion *Completion) *PurchaseOutcome {
	switch completion.ResponseCode {
	case completionOK:
	case completionUserCanceled:
		return &PurchaseOutcome{Err: ErrPurchaseCanceled}
	default:
		return &PurchaseOutcome{Err: fmt.Errorf("%w: vendor response code %d", ErrPurchaseFailed, completion.ResponseCode)}
	}

	purchase, err := NormalizePurchase(intent.Market, backend.Schema(), completion.PurchaseData, completion.Signature)
	if err != nil {
		return &PurchaseOutcome{Err: fmt.Errorf("%w: %w", ErrPurchaseFailed, err)}
	}
	if purchase.ProductID != intent.ProductID {
		return &PurchaseOutcome{Err: fmt.Errorf("%w: completed %q, requested %q", ErrPurchaseFailed, purchase.ProductID, intent.ProductID)}
	}

	verified := d.verified(intent.Market, []*Purchase{purchase})
	if len(verified) == 0 {
		return &PurchaseOutcome{Err: ErrVerificationFailed}
	}
	return &PurchaseOutcome{Purchase: verified[0]}
}

func (d *Dispatcher) teardown(ctx context.Context, backends map[Market]Backend, pending map[string]*PurchaseIntent) {
	for _, intent := range pending {
		intent.abandon()
	}
	for market, backend := range backends {
		backend.Disconnect(ctx)
		d.log.Debug("Billing backend torn down", zap.String("market", market.String()))
	}
}

func verificationResult(valid bool) string {
	if valid {
		return "passed"
	}
	return "failed"
}
