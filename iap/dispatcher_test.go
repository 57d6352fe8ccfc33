package iap_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/code-payments/market-billing/event"
	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/bazaar"
	"github.com/code-payments/market-billing/iap/memory"
	"github.com/code-payments/market-billing/iap/myket"
	"github.com/code-payments/market-billing/signature"
	"github.com/code-payments/market-billing/testutil"
)

type harness struct {
	bazaar      *memory.Vendor
	myket       *memory.Vendor
	completions *event.Bus[iap.Market, *iap.Completion]
	metrics     *iap.Metrics
	dispatcher  *iap.Dispatcher
	logs        *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...iap.Option) *harness {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	h := &harness{
		logs:        logs,
		bazaar:      memory.NewVendor(bazaar.Schema),
		myket:       memory.NewVendor(myket.Schema),
		completions: event.NewBus[iap.Market, *iap.Completion](),
		metrics:     iap.NewMetrics(prometheus.NewRegistry()),
	}

	binder := memory.NewBinder()
	binder.Install(bazaar.VendorPackage, h.bazaar)
	binder.Install(myket.VendorPackage, h.myket)

	registry := iap.NewRegistry()
	registry.Register(iap.MarketBazaar, bazaar.Factory(binder, "com.example.app"))
	registry.Register(iap.MarketMyket, myket.Factory(binder, "com.example.app"))

	opts = append([]iap.Option{iap.WithMetrics(h.metrics)}, opts...)
	h.dispatcher = iap.NewDispatcher(log, registry, signature.NewRSAVerifier(log), h.completions, opts...)

	t.Cleanup(func() {
		h.completions.Drain()
		h.dispatcher.Disconnect(context.Background())
	})
	return h
}

func marketPtr(m iap.Market) *iap.Market {
	return &m
}

func newPurchase(productID string, i int) *iap.Purchase {
	return &iap.Purchase{
		ProductID:        productID,
		PurchaseToken:    fmt.Sprintf("token-%d", i),
		OrderID:          fmt.Sprintf("order-%d", i),
		PurchaseTime:     fmt.Sprintf("%d", 1700000000000+int64(i)),
		DeveloperPayload: "payload",
	}
}

func purchaseTokens(purchases []*iap.Purchase) []string {
	var tokens []string
	for _, purchase := range purchases {
		tokens = append(tokens, purchase.PurchaseToken)
	}
	return tokens
}

func TestDispatcher_NotInitialized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, ok := h.dispatcher.ActiveMarket()
	require.False(t, ok)

	require.False(t, h.dispatcher.IsBillingSupported(ctx))
	require.Empty(t, h.dispatcher.GetProducts(ctx, []string{"coins_100"}))
	require.Nil(t, h.dispatcher.Purchase(ctx, "coins_100", ""))
	require.False(t, h.dispatcher.Consume(ctx, "token-1"))
	require.Empty(t, h.dispatcher.GetPurchases(ctx))
	require.Empty(t, h.dispatcher.GetPurchaseHistory(ctx))
	require.False(t, h.dispatcher.AcknowledgePurchase(ctx, "token-1", ""))
	require.False(t, h.dispatcher.IsPurchased(ctx, "coins_100"))
	require.False(t, h.dispatcher.VerifyPurchaseSignature(nil))

	skipped := h.logs.FilterMessage("Skipping billing call").All()
	require.Len(t, skipped, 8)
	for _, entry := range skipped {
		require.Equal(t, iap.ErrNotInitialized.Error(), entry.ContextMap()["error"])
	}
}

func TestDispatcher_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("DefaultMarket", func(t *testing.T) {
		h := newHarness(t)
		require.True(t, h.dispatcher.Initialize(ctx, nil))

		market, ok := h.dispatcher.ActiveMarket()
		require.True(t, ok)
		require.Equal(t, iap.MarketBazaar, market)
		require.True(t, h.dispatcher.IsBillingSupported(ctx))
		require.Equal(t, 1, h.bazaar.Binds())
		require.Zero(t, h.myket.Binds())
	})

	t.Run("ConfiguredDefault", func(t *testing.T) {
		h := newHarness(t, iap.WithDefaultMarket(iap.MarketMyket))
		require.True(t, h.dispatcher.Initialize(ctx, nil))

		market, _ := h.dispatcher.ActiveMarket()
		require.Equal(t, iap.MarketMyket, market)
		require.Equal(t, 1, h.myket.Binds())
	})

	t.Run("ExplicitMarket", func(t *testing.T) {
		h := newHarness(t)
		require.True(t, h.dispatcher.Initialize(ctx, marketPtr(iap.MarketMyket)))

		market, _ := h.dispatcher.ActiveMarket()
		require.Equal(t, iap.MarketMyket, market)
	})

	t.Run("VendorMissing", func(t *testing.T) {
		h := newHarness(t)
		h.bazaar.SetInstalled(false)

		require.False(t, h.dispatcher.Initialize(ctx, nil))
		require.False(t, h.dispatcher.IsBillingSupported(ctx))
		require.Empty(t, h.dispatcher.GetPurchases(ctx))

		// The session stays usable once the vendor shows up.
		h.bazaar.SetInstalled(true)
		require.True(t, h.dispatcher.Initialize(ctx, nil))
		require.True(t, h.dispatcher.IsBillingSupported(ctx))
	})

	t.Run("UnregisteredMarket", func(t *testing.T) {
		h := newHarness(t)
		require.False(t, h.dispatcher.Initialize(ctx, marketPtr(iap.Market(42))))

		_, ok := h.dispatcher.ActiveMarket()
		require.False(t, ok)
	})
}

func TestDispatcher_ReinitializeTearsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.True(t, h.dispatcher.Initialize(ctx, nil))
	require.True(t, h.dispatcher.Initialize(ctx, marketPtr(iap.MarketMyket)))

	require.Equal(t, 1, h.bazaar.Closes())
	require.Equal(t, 1, h.myket.Binds())

	market, _ := h.dispatcher.ActiveMarket()
	require.Equal(t, iap.MarketMyket, market)

	// Re-initializing the same market rebuilds the connection.
	require.True(t, h.dispatcher.Initialize(ctx, marketPtr(iap.MarketMyket)))
	require.Equal(t, 1, h.myket.Closes())
	require.Equal(t, 2, h.myket.Binds())

	h.dispatcher.Disconnect(ctx)
	require.Equal(t, 2, h.myket.Closes())

	_, ok := h.dispatcher.ActiveMarket()
	require.False(t, ok)
	require.False(t, h.dispatcher.IsBillingSupported(ctx))
}

func TestDispatcher_FailOpenWithoutKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bazaar.SetSigner(testutil.SigningKey(t, 0))

	for i := range 3 {
		_, err := h.bazaar.AddPurchase(iap.PurchaseTypeInApp, newPurchase("coins_100", i))
		require.NoError(t, err)
	}
	h.bazaar.AddRawPurchase(iap.PurchaseTypeInApp, "token-raw", `{"productId":"coins_5","purchaseToken":"token-raw","orderId":"order-raw"}`, "")

	require.True(t, h.dispatcher.Initialize(ctx, nil))

	purchases := h.dispatcher.GetPurchases(ctx)
	require.Equal(t, []string{"token-0", "token-1", "token-2", "token-raw"}, purchaseTokens(purchases))
	for _, purchase := range purchases {
		require.Equal(t, iap.VerificationSkipped, purchase.Verification)
		require.False(t, h.dispatcher.VerifyPurchaseSignature(purchase))
	}

	require.True(t, h.dispatcher.IsPurchased(ctx, "coins_5"))
	require.Equal(t, 8.0, promtestutil.ToFloat64(h.metrics.Verifications().WithLabelValues("bazaar", "skipped")))
	require.Zero(t, promtestutil.ToFloat64(h.metrics.Verifications().WithLabelValues("bazaar", "passed")))
}

func TestDispatcher_FailClosedWithKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, iap.WithKeyConfigs(map[iap.Market]iap.KeyConfig{
		iap.MarketBazaar: {PublicKey: testutil.PublicKey(t, 0)},
	}))

	add := func(i int, mutate func(p *iap.Purchase)) {
		purchase := newPurchase("coins_100", i)
		if mutate != nil {
			mutate(purchase)
		}
		_, err := h.bazaar.AddPurchase(iap.PurchaseTypeInApp, purchase)
		require.NoError(t, err)
	}

	h.bazaar.SetSigner(testutil.SigningKey(t, 0))
	add(1, nil)
	add(2, func(p *iap.Purchase) { p.Signature = testutil.MustSign(t, 1, "something else") })
	add(3, nil)

	h.bazaar.SetSigner(testutil.SigningKey(t, 1))
	add(4, nil)

	h.bazaar.SetSigner(nil)
	add(5, func(p *iap.Purchase) { p.ProductID = "unsigned" })

	h.bazaar.SetSigner(testutil.SigningKey(t, 0))
	add(6, nil)

	require.True(t, h.dispatcher.Initialize(ctx, nil))

	purchases := h.dispatcher.GetPurchases(ctx)
	require.Equal(t, []string{"token-1", "token-3", "token-6"}, purchaseTokens(purchases))
	for _, purchase := range purchases {
		require.Equal(t, iap.VerificationPassed, purchase.Verification)
		require.True(t, h.dispatcher.VerifyPurchaseSignature(purchase))
	}

	require.False(t, h.dispatcher.IsPurchased(ctx, "unsigned"))
	require.Len(t, h.dispatcher.GetPurchaseHistory(ctx), 3)

	passed := promtestutil.ToFloat64(h.metrics.Verifications().WithLabelValues("bazaar", "passed"))
	failed := promtestutil.ToFloat64(h.metrics.Verifications().WithLabelValues("bazaar", "failed"))
	// Three batches of six, plus the three explicit checks above.
	require.Equal(t, 12.0, passed)
	require.Equal(t, 9.0, failed)
}

func TestDispatcher_SignedPurchaseScenario(t *testing.T) {
	ctx := context.Background()

	raw := `{"productId":"sku_1","purchaseToken":"token-1","orderId":"order-1","purchaseTime":"1700000000000"}`
	sig := testutil.MustSign(t, 0, raw)

	t.Run("MatchingKey", func(t *testing.T) {
		h := newHarness(t)
		h.bazaar.AddRawPurchase(iap.PurchaseTypeInApp, "token-1", raw, sig)

		require.True(t, h.dispatcher.Initialize(ctx, nil))
		require.NoError(t, h.dispatcher.SetKeyConfig(iap.MarketBazaar, iap.KeyConfig{PublicKey: testutil.PublicKey(t, 0)}))

		purchases := h.dispatcher.GetPurchases(ctx)
		require.Len(t, purchases, 1)
		require.Equal(t, "sku_1", purchases[0].ProductID)
		require.Equal(t, "1700000000000", purchases[0].PurchaseTime)
		require.Equal(t, raw, purchases[0].OriginalJSON)
		require.True(t, h.dispatcher.IsPurchased(ctx, "sku_1"))
	})

	t.Run("DifferentKey", func(t *testing.T) {
		h := newHarness(t)
		h.bazaar.AddRawPurchase(iap.PurchaseTypeInApp, "token-1", raw, sig)

		require.True(t, h.dispatcher.Initialize(ctx, nil))
		require.NoError(t, h.dispatcher.SetKeyConfig(iap.MarketBazaar, iap.KeyConfig{PublicKey: testutil.PublicKey(t, 1)}))

		require.Empty(t, h.dispatcher.GetPurchases(ctx))
		require.False(t, h.dispatcher.IsPurchased(ctx, "sku_1"))
	})
}

func TestDispatcher_IsPurchasedConsistency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i, productID := range []string{"coins_100", "coins_500", "coins_100"} {
		_, err := h.bazaar.AddPurchase(iap.PurchaseTypeInApp, newPurchase(productID, i))
		require.NoError(t, err)
	}

	check := func() {
		owned := map[string]bool{}
		for _, purchase := range h.dispatcher.GetPurchases(ctx) {
			owned[purchase.ProductID] = true
		}
		for _, productID := range []string{"coins_100", "coins_500", "premium"} {
			require.Equal(t, owned[productID], h.dispatcher.IsPurchased(ctx, productID), productID)
		}
	}

	check()
	require.True(t, h.dispatcher.Initialize(ctx, nil))
	check()

	require.True(t, h.dispatcher.Consume(ctx, "token-1"))
	check()
	require.False(t, h.dispatcher.IsPurchased(ctx, "coins_500"))

	h.bazaar.DropConnection()
	check()
	require.False(t, h.dispatcher.IsPurchased(ctx, "coins_100"))
}

func TestDispatcher_SetKeyConfig(t *testing.T) {
	h := newHarness(t)

	require.ErrorIs(t, h.dispatcher.SetKeyConfig(iap.MarketBazaar, iap.KeyConfig{}), iap.ErrInvalidKeyConfig)
	require.ErrorIs(t, h.dispatcher.SetKeyConfig(iap.Market(42), iap.KeyConfig{PublicKey: "key"}), iap.ErrUnknownMarket)

	_, ok := h.dispatcher.KeyConfig(iap.MarketBazaar)
	require.False(t, ok)

	cfg := iap.KeyConfig{PublicKey: testutil.PublicKey(t, 0), KeyAlias: "release"}
	require.NoError(t, h.dispatcher.SetKeyConfig(iap.MarketMyket, cfg))

	actual, ok := h.dispatcher.KeyConfig(iap.MarketMyket)
	require.True(t, ok)
	require.Equal(t, cfg, actual)

	_, ok = h.dispatcher.KeyConfig(iap.MarketBazaar)
	require.False(t, ok)
}

func TestDispatcher_MarketOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.bazaar.AddPurchase(iap.PurchaseTypeInApp, newPurchase("coins_100", 1))
	require.NoError(t, err)
	_, err = h.myket.AddPurchase(iap.PurchaseTypeInApp, newPurchase("myket_coins", 2))
	require.NoError(t, err)

	require.True(t, h.dispatcher.Initialize(ctx, nil))

	purchases := h.dispatcher.GetPurchases(ctx, iap.WithMarket(iap.MarketMyket))
	require.Len(t, purchases, 1)
	require.Equal(t, "myket_coins", purchases[0].ProductID)
	require.Equal(t, iap.MarketMyket, purchases[0].Market)

	require.True(t, h.dispatcher.IsPurchased(ctx, "myket_coins", iap.WithMarket(iap.MarketMyket)))
	require.False(t, h.dispatcher.IsPurchased(ctx, "myket_coins"))
	require.True(t, h.dispatcher.IsPurchased(ctx, "coins_100", iap.WithMarket(iap.MarketBazaar)))

	// The override does not change the session market and binds only once.
	market, _ := h.dispatcher.ActiveMarket()
	require.Equal(t, iap.MarketBazaar, market)
	require.Equal(t, 1, h.myket.Binds())

	// A dropped secondary backend reconnects on its next use.
	h.myket.DropConnection()
	require.Empty(t, h.dispatcher.GetPurchases(ctx, iap.WithMarket(iap.MarketMyket)))
	require.Len(t, h.dispatcher.GetPurchases(ctx, iap.WithMarket(iap.MarketMyket)), 1)
	require.Equal(t, 2, h.myket.Binds())

	// Tearing down the session releases secondary backends too.
	h.dispatcher.Disconnect(ctx)
	require.Equal(t, 2, h.myket.Closes())
}

func TestDispatcher_PurchaseCompletion(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *harness {
		h := newHarness(t, iap.WithKeyConfigs(map[iap.Market]iap.KeyConfig{
			iap.MarketBazaar: {PublicKey: testutil.PublicKey(t, 0)},
		}))
		h.bazaar.SetSigner(testutil.SigningKey(t, 0))
		require.NoError(t, h.bazaar.AddProduct(iap.PurchaseTypeInApp, &iap.Product{
			ProductID:         "coins_100",
			PriceAmountMicros: "1000000",
			PriceCurrencyCode: "IRR",
		}))
		require.True(t, h.dispatcher.Initialize(ctx, nil))
		return h
	}

	waitCtx := func(t *testing.T) context.Context {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)
		return ctx
	}

	t.Run("Completed", func(t *testing.T) {
		h := setup(t)

		intent := h.dispatcher.Purchase(ctx, "coins_100", "dev-payload")
		require.NotNil(t, intent)

		raw, sig, err := h.bazaar.CompletePurchase("coins_100", "dev-payload")
		require.NoError(t, err)
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{
			IntentID:     intent.ID,
			PurchaseData: raw,
			Signature:    sig,
		}))

		purchase, err := intent.Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, "coins_100", purchase.ProductID)
		require.Equal(t, "dev-payload", purchase.DeveloperPayload)
		require.Equal(t, raw, purchase.OriginalJSON)
		require.Equal(t, iap.VerificationPassed, purchase.Verification)
		require.True(t, h.dispatcher.IsPurchased(ctx, "coins_100"))
	})

	t.Run("Canceled", func(t *testing.T) {
		h := setup(t)

		intent := h.dispatcher.Purchase(ctx, "coins_100", "")
		require.NotNil(t, intent)
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{IntentID: intent.ID, ResponseCode: 1}))

		_, err := intent.Wait(waitCtx(t))
		require.ErrorIs(t, err, iap.ErrPurchaseCanceled)
	})

	t.Run("VendorFailure", func(t *testing.T) {
		h := setup(t)

		intent := h.dispatcher.Purchase(ctx, "coins_100", "")
		require.NotNil(t, intent)
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{IntentID: intent.ID, ResponseCode: 6}))

		_, err := intent.Wait(waitCtx(t))
		require.ErrorIs(t, err, iap.ErrPurchaseFailed)
	})

	t.Run("BadSignature", func(t *testing.T) {
		h := setup(t)

		intent := h.dispatcher.Purchase(ctx, "coins_100", "")
		require.NotNil(t, intent)

		raw, _, err := h.bazaar.CompletePurchase("coins_100", "")
		require.NoError(t, err)
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{
			IntentID:     intent.ID,
			PurchaseData: raw,
			Signature:    testutil.MustSign(t, 1, raw),
		}))

		_, err = intent.Wait(waitCtx(t))
		require.ErrorIs(t, err, iap.ErrVerificationFailed)
	})

	t.Run("WrongProduct", func(t *testing.T) {
		h := setup(t)
		require.NoError(t, h.bazaar.AddProduct(iap.PurchaseTypeInApp, &iap.Product{ProductID: "coins_500", PriceAmountMicros: "1", PriceCurrencyCode: "IRR"}))

		intent := h.dispatcher.Purchase(ctx, "coins_100", "")
		require.NotNil(t, intent)

		raw, sig, err := h.bazaar.CompletePurchase("coins_500", "")
		require.NoError(t, err)
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{IntentID: intent.ID, PurchaseData: raw, Signature: sig}))

		_, err = intent.Wait(waitCtx(t))
		require.ErrorIs(t, err, iap.ErrPurchaseFailed)
	})

	t.Run("InactiveMarketDiscarded", func(t *testing.T) {
		h := setup(t)

		intent := h.dispatcher.Purchase(ctx, "coins_100", "")
		require.NotNil(t, intent)

		raw, sig, err := h.bazaar.CompletePurchase("coins_100", "")
		require.NoError(t, err)
		require.NoError(t, h.completions.OnEvent(iap.MarketMyket, &iap.Completion{IntentID: intent.ID, PurchaseData: raw, Signature: sig}))
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{IntentID: "unknown", PurchaseData: raw, Signature: sig}))
		h.completions.Drain()

		short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = intent.Wait(short)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// The intent is still pending and resolves on the right market.
		require.NoError(t, h.completions.OnEvent(iap.MarketBazaar, &iap.Completion{IntentID: intent.ID, PurchaseData: raw, Signature: sig}))
		purchase, err := intent.Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, "coins_100", purchase.ProductID)
	})

	t.Run("AbandonedOnReinitialize", func(t *testing.T) {
		h := setup(t)

		intent := h.dispatcher.Purchase(ctx, "coins_100", "")
		require.NotNil(t, intent)

		require.True(t, h.dispatcher.Initialize(ctx, marketPtr(iap.MarketMyket)))

		_, err := intent.Wait(waitCtx(t))
		require.ErrorIs(t, err, iap.ErrIntentAbandoned)
	})

	t.Run("UnknownProduct", func(t *testing.T) {
		h := setup(t)
		require.Nil(t, h.dispatcher.Purchase(ctx, "does_not_exist", ""))
	})
}

func TestDispatcher_Concurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bazaar.SetSigner(testutil.SigningKey(t, 0))

	for i := range 5 {
		_, err := h.bazaar.AddPurchase(iap.PurchaseTypeInApp, newPurchase("coins_100", i))
		require.NoError(t, err)
	}
	require.True(t, h.dispatcher.Initialize(ctx, nil))

	good := iap.KeyConfig{PublicKey: testutil.PublicKey(t, 0)}
	bad := iap.KeyConfig{PublicKey: testutil.PublicKey(t, 1)}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cfg := good
			if i%2 == 1 {
				cfg = bad
			}
			assert.NoError(t, h.dispatcher.SetKeyConfig(iap.MarketBazaar, cfg))
		}()
		go func() {
			defer wg.Done()

			// Each batch is judged against a single key: all or nothing.
			n := len(h.dispatcher.GetPurchases(ctx))
			assert.True(t, n == 0 || n == 5, "torn batch of %d", n)
		}()
	}
	wg.Wait()
}

// reinitializingBackend starts a new session on the dispatcher while its
// purchase flow is being started.
type reinitializingBackend struct {
	iap.Backend
	onRequest func()
}

func (b *reinitializingBackend) RequestPurchase(ctx context.Context, productID, payload string) *iap.PurchaseIntent {
	intent := b.Backend.RequestPurchase(ctx, productID, payload)
	b.onRequest()
	return intent
}

func TestDispatcher_PurchaseDuringReinitialize(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	v := memory.NewVendor(bazaar.Schema)
	require.NoError(t, v.AddProduct(iap.PurchaseTypeInApp, &iap.Product{ProductID: "coins_100", PriceAmountMicros: "1", PriceCurrencyCode: "IRR"}))
	binder := memory.NewBinder()
	binder.Install(bazaar.VendorPackage, v)

	var dispatcher *iap.Dispatcher
	var reinitialized atomic.Bool
	newBackend := bazaar.Factory(binder, "com.example.app")

	registry := iap.NewRegistry()
	registry.Register(iap.MarketBazaar, func(log *zap.Logger) iap.Backend {
		return &reinitializingBackend{
			Backend: newBackend(log),
			onRequest: func() {
				if reinitialized.CompareAndSwap(false, true) {
					require.True(t, dispatcher.Initialize(ctx, nil))
				}
			},
		}
	})

	completions := event.NewBus[iap.Market, *iap.Completion]()
	dispatcher = iap.NewDispatcher(log, registry, signature.NewRSAVerifier(log), completions)
	t.Cleanup(func() {
		completions.Drain()
		dispatcher.Disconnect(ctx)
	})

	require.True(t, dispatcher.Initialize(ctx, nil))
	require.Nil(t, dispatcher.Purchase(ctx, "coins_100", ""))
	require.True(t, reinitialized.Load())

	intent := dispatcher.Purchase(ctx, "coins_100", "")
	require.NotNil(t, intent)

	raw, sig, err := v.CompletePurchase("coins_100", "")
	require.NoError(t, err)
	require.NoError(t, completions.OnEvent(iap.MarketBazaar, &iap.Completion{
		IntentID:     intent.ID,
		PurchaseData: raw,
		Signature:    sig,
	}))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	purchase, err := intent.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "coins_100", purchase.ProductID)
	require.Equal(t, iap.VerificationSkipped, purchase.Verification)
}
