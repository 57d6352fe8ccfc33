package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/memory"
	"github.com/code-payments/market-billing/iap/vendor"
	"github.com/code-payments/market-billing/signature"
	"github.com/code-payments/market-billing/testutil"
)

// BackendFactory builds a disconnected backend wired to a fresh in-memory
// vendor app, returning both.
type BackendFactory func(t *testing.T) (iap.Backend, *memory.Vendor)

// RunBackendTests runs the iap.Backend contract against a vendor backend.
func RunBackendTests(t *testing.T, newBackend BackendFactory, teardown func()) {
	for _, tf := range []func(t *testing.T, newBackend BackendFactory){
		testBackend_NotConnected,
		testBackend_ConnectLifecycle,
		testBackend_ConnectFailures,
		testBackend_ProductDetails,
		testBackend_Purchases,
		testBackend_Pagination,
		testBackend_MalformedRecords,
		testBackend_ConsumeAndAcknowledge,
		testBackend_RequestPurchase,
		testBackend_FailureResponses,
		testBackend_DroppedConnection,
	} {
		tf(t, newBackend)
		teardown()
	}
}

func testBackend_NotConnected(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	_, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(1))
	require.NoError(t, err)

	require.Equal(t, iap.StateDisconnected, backend.State())
	require.False(t, backend.IsBillingSupported(ctx))
	require.Empty(t, backend.GetProductDetails(ctx, []string{"coins_100"}))
	require.Empty(t, backend.GetPurchases(ctx))
	require.Empty(t, backend.GetPurchaseHistory(ctx))
	require.False(t, backend.ConsumePurchase(ctx, "token-1"))
	require.False(t, backend.AcknowledgePurchase(ctx, "token-1", ""))
	require.Nil(t, backend.RequestPurchase(ctx, "coins_100", ""))
	require.Zero(t, v.Binds())
}

func testBackend_ConnectLifecycle(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	result := backend.Connect(ctx)
	require.True(t, result.Connected)
	require.Equal(t, iap.ConnectionOK, result.Code)
	require.Equal(t, iap.StateConnected, backend.State())
	require.True(t, backend.IsBillingSupported(ctx))

	// Connecting an already connected backend does not rebind.
	require.True(t, backend.Connect(ctx).Connected)
	require.Equal(t, 1, v.Binds())

	backend.Disconnect(ctx)
	require.Equal(t, iap.StateDisconnected, backend.State())
	require.Equal(t, 1, v.Closes())
	require.False(t, backend.IsBillingSupported(ctx))

	// Disconnect is idempotent.
	backend.Disconnect(ctx)
	require.Equal(t, 1, v.Closes())

	require.True(t, backend.Connect(ctx).Connected)
	require.Equal(t, 2, v.Binds())
}

func testBackend_ConnectFailures(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()

	t.Run("VendorMissing", func(t *testing.T) {
		backend, v := newBackend(t)
		v.SetInstalled(false)

		result := backend.Connect(ctx)
		require.False(t, result.Connected)
		require.Equal(t, iap.ConnectionVendorMissing, result.Code)
		require.Equal(t, iap.StateDisconnected, backend.State())
		require.Zero(t, v.Binds())
	})

	t.Run("ServiceUnavailable", func(t *testing.T) {
		backend, v := newBackend(t)
		v.SetBindError(vendor.ErrServiceUnavailable)

		result := backend.Connect(ctx)
		require.False(t, result.Connected)
		require.Equal(t, iap.ConnectionServiceUnavailable, result.Code)
		require.NotEmpty(t, result.Message)
	})

	t.Run("BindRejected", func(t *testing.T) {
		backend, v := newBackend(t)
		v.SetBindError(fmt.Errorf("permission denied"))

		result := backend.Connect(ctx)
		require.False(t, result.Connected)
		require.Equal(t, iap.ConnectionBindRejected, result.Code)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		backend, v := newBackend(t)
		v.SetBindDelay(time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		result := backend.Connect(ctx)
		require.False(t, result.Connected)
		require.Equal(t, iap.ConnectionTimeout, result.Code)
		require.Equal(t, iap.StateDisconnected, backend.State())
	})

	t.Run("Recovers", func(t *testing.T) {
		backend, v := newBackend(t)
		v.SetInstalled(false)
		require.False(t, backend.Connect(ctx).Connected)

		v.SetInstalled(true)
		require.True(t, backend.Connect(ctx).Connected)
	})
}

func testBackend_ProductDetails(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	coins := &iap.Product{
		ProductID:         "coins_100",
		Title:             "100 Coins",
		Description:       "A pile of coins",
		Price:             "۱۰۰٬۰۰۰ ریال",
		PriceAmountMicros: "100000000000",
		PriceCurrencyCode: "IRR",
	}
	premium := &iap.Product{
		ProductID:         "premium_monthly",
		Title:             "Premium",
		Price:             "50,000 IRR",
		PriceAmountMicros: "50000000000",
		PriceCurrencyCode: "IRR",
	}
	require.NoError(t, v.AddProduct(iap.PurchaseTypeInApp, coins))
	require.NoError(t, v.AddProduct(iap.PurchaseTypeSubscription, premium))

	require.True(t, backend.Connect(ctx).Connected)

	t.Run("Empty", func(t *testing.T) {
		require.Empty(t, backend.GetProductDetails(ctx, nil))
		require.Empty(t, backend.GetProductDetails(ctx, []string{"", ""}))
	})

	t.Run("UnknownDropped", func(t *testing.T) {
		products := backend.GetProductDetails(ctx, []string{"coins_100", "does_not_exist", "coins_100"})
		require.Len(t, products, 1)
		require.Equal(t, coins, products[0])

		amount, err := products[0].PriceAmount()
		require.NoError(t, err)
		require.Equal(t, "100000", amount.String())

		unit, err := products[0].Currency()
		require.NoError(t, err)
		require.Equal(t, "IRR", unit.String())
	})

	t.Run("IncludesSubscriptions", func(t *testing.T) {
		products := backend.GetProductDetails(ctx, []string{"premium_monthly", "coins_100"})
		require.Len(t, products, 2)

		byID := map[string]*iap.Product{}
		for _, p := range products {
			byID[p.ProductID] = p
		}
		require.Equal(t, coins, byID["coins_100"])
		require.Equal(t, premium, byID["premium_monthly"])
	})

	t.Run("LargeQuery", func(t *testing.T) {
		var ids []string
		for i := range 45 {
			id := fmt.Sprintf("gem_%02d", i)
			ids = append(ids, id)
			require.NoError(t, v.AddProduct(iap.PurchaseTypeInApp, &iap.Product{
				ProductID:         id,
				PriceAmountMicros: "1000000",
				PriceCurrencyCode: "IRR",
			}))
		}

		require.Len(t, backend.GetProductDetails(ctx, ids), len(ids))
	})
}

func testBackend_Purchases(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)
	v.SetSigner(testutil.SigningKey(t, 0))

	first, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(1))
	require.NoError(t, err)
	second, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(2))
	require.NoError(t, err)

	sub := newPurchase(3)
	sub.ProductID = "premium_monthly"
	sub.IsAutoRenewing = true
	third, err := v.AddPurchase(iap.PurchaseTypeSubscription, sub)
	require.NoError(t, err)

	require.True(t, backend.Connect(ctx).Connected)

	purchases := backend.GetPurchases(ctx)
	require.Len(t, purchases, 3)

	for i, expected := range []*iap.Purchase{first, second, third} {
		actual := purchases[i]
		require.Equal(t, backend.Market(), actual.Market)
		require.Equal(t, expected.ProductID, actual.ProductID)
		require.Equal(t, expected.PurchaseToken, actual.PurchaseToken)
		require.Equal(t, expected.OrderID, actual.OrderID)
		require.Equal(t, expected.PurchaseTime, actual.PurchaseTime)
		require.Equal(t, expected.DeveloperPayload, actual.DeveloperPayload)
		require.Equal(t, expected.IsAutoRenewing, actual.IsAutoRenewing)
		require.Equal(t, expected.OriginalJSON, actual.OriginalJSON)
		require.Equal(t, expected.Signature, actual.Signature)
		require.Equal(t, iap.VerificationUnknown, actual.Verification)

		pub, err := signature.EncodePublicKey(&testutil.SigningKey(t, 0).PublicKey)
		require.NoError(t, err)
		require.True(t, signature.Verify(zap.NewNop(), actual.OriginalJSON, actual.Signature, pub))
	}

	// Consumed purchases leave the owned list but stay in history.
	require.True(t, backend.ConsumePurchase(ctx, first.PurchaseToken))
	require.Len(t, backend.GetPurchases(ctx), 2)

	history := backend.GetPurchaseHistory(ctx)
	require.Len(t, history, 3)
	require.Equal(t, first.PurchaseToken, history[0].PurchaseToken)
}

func testBackend_Pagination(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)
	v.SetPageSize(2)

	var expected []string
	for i := range 7 {
		stored, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(i))
		require.NoError(t, err)
		expected = append(expected, stored.PurchaseToken)
	}

	require.True(t, backend.Connect(ctx).Connected)

	var actual []string
	for _, purchase := range backend.GetPurchases(ctx) {
		actual = append(actual, purchase.PurchaseToken)
	}
	require.Equal(t, expected, actual)
	require.Len(t, backend.GetPurchaseHistory(ctx), len(expected))
}

func testBackend_MalformedRecords(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	v.AddRawProduct(iap.PurchaseTypeInApp, "broken", `{"title": "no id"`)
	require.NoError(t, v.AddProduct(iap.PurchaseTypeInApp, &iap.Product{ProductID: "coins_100", PriceAmountMicros: "1", PriceCurrencyCode: "IRR"}))

	v.AddRawPurchase(iap.PurchaseTypeInApp, "bad-1", `not json`, "")
	v.AddRawPurchase(iap.PurchaseTypeInApp, "bad-2", `["an", "array"]`, "")
	v.AddRawPurchase(iap.PurchaseTypeInApp, "bad-3", `{"orderId": "missing-token"}`, "")
	good, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(1))
	require.NoError(t, err)

	require.True(t, backend.Connect(ctx).Connected)

	products := backend.GetProductDetails(ctx, []string{"broken", "coins_100"})
	require.Len(t, products, 1)
	require.Equal(t, "coins_100", products[0].ProductID)

	purchases := backend.GetPurchases(ctx)
	require.Len(t, purchases, 1)
	require.Equal(t, good.PurchaseToken, purchases[0].PurchaseToken)

	t.Run("MissingPayload", func(t *testing.T) {
		v.Malform(memory.OpGetPurchases)
		v.Malform(memory.OpGetSkuDetails)
		defer v.ClearFailures()

		require.Empty(t, backend.GetPurchases(ctx))
		require.Empty(t, backend.GetProductDetails(ctx, []string{"coins_100"}))
		require.Equal(t, iap.StateConnected, backend.State())
	})
}

func testBackend_ConsumeAndAcknowledge(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	stored, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(1))
	require.NoError(t, err)

	require.True(t, backend.Connect(ctx).Connected)

	require.False(t, backend.AcknowledgePurchase(ctx, "", ""))
	require.False(t, backend.AcknowledgePurchase(ctx, "unknown", ""))
	require.True(t, backend.AcknowledgePurchase(ctx, stored.PurchaseToken, "payload"))
	require.True(t, v.IsAcknowledged(stored.PurchaseToken))

	require.False(t, backend.ConsumePurchase(ctx, ""))
	require.False(t, backend.ConsumePurchase(ctx, "unknown"))
	require.True(t, backend.ConsumePurchase(ctx, stored.PurchaseToken))
	require.False(t, v.IsOwned(stored.PurchaseToken))

	// A consumed purchase is no longer owned.
	require.False(t, backend.ConsumePurchase(ctx, stored.PurchaseToken))
}

func testBackend_RequestPurchase(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	require.NoError(t, v.AddProduct(iap.PurchaseTypeInApp, &iap.Product{ProductID: "coins_100", PriceAmountMicros: "1", PriceCurrencyCode: "IRR"}))
	require.True(t, backend.Connect(ctx).Connected)

	require.Nil(t, backend.RequestPurchase(ctx, "", "payload"))
	require.Nil(t, backend.RequestPurchase(ctx, "does_not_exist", "payload"))

	intent := backend.RequestPurchase(ctx, "coins_100", "payload")
	require.NotNil(t, intent)
	require.NotEmpty(t, intent.ID)
	require.Equal(t, backend.Market(), intent.Market)
	require.Equal(t, "coins_100", intent.ProductID)
	require.Equal(t, "payload", intent.Payload)
	require.NotNil(t, intent.Launch)

	other := backend.RequestPurchase(ctx, "coins_100", "payload")
	require.NotNil(t, other)
	require.NotEqual(t, intent.ID, other.ID)

	_, _, err := v.CompletePurchase("coins_100", "payload")
	require.NoError(t, err)
	require.Nil(t, backend.RequestPurchase(ctx, "coins_100", "payload"))
}

func testBackend_FailureResponses(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	stored, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(1))
	require.NoError(t, err)
	require.NoError(t, v.AddProduct(iap.PurchaseTypeInApp, &iap.Product{ProductID: "coins_100", PriceAmountMicros: "1", PriceCurrencyCode: "IRR"}))

	require.True(t, backend.Connect(ctx).Connected)

	for op, code := range map[memory.Op]vendor.ResponseCode{
		memory.OpIsBillingSupported:  vendor.ResultBillingUnavailable,
		memory.OpGetSkuDetails:       vendor.ResultServiceUnavailable,
		memory.OpGetPurchases:        vendor.ResultError,
		memory.OpGetPurchaseHistory:  vendor.ResultDeveloperError,
		memory.OpConsumePurchase:     vendor.ResultError,
		memory.OpAcknowledgePurchase: vendor.ResultError,
		memory.OpGetBuyIntent:        vendor.ResultBillingUnavailable,
	} {
		v.FailWith(op, code)
	}

	require.False(t, backend.IsBillingSupported(ctx))
	require.Empty(t, backend.GetProductDetails(ctx, []string{"coins_100"}))
	require.Empty(t, backend.GetPurchases(ctx))
	require.Empty(t, backend.GetPurchaseHistory(ctx))
	require.False(t, backend.ConsumePurchase(ctx, stored.PurchaseToken))
	require.False(t, backend.AcknowledgePurchase(ctx, stored.PurchaseToken, ""))
	require.Nil(t, backend.RequestPurchase(ctx, "coins_100", ""))

	// Failure responses do not cost the connection.
	require.Equal(t, iap.StateConnected, backend.State())

	v.ClearFailures()
	require.True(t, backend.IsBillingSupported(ctx))
	require.Len(t, backend.GetPurchases(ctx), 1)
}

func testBackend_DroppedConnection(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	backend, v := newBackend(t)

	_, err := v.AddPurchase(iap.PurchaseTypeInApp, newPurchase(1))
	require.NoError(t, err)

	require.True(t, backend.Connect(ctx).Connected)
	v.DropConnection()

	require.Empty(t, backend.GetPurchases(ctx))
	require.Equal(t, iap.StateDisconnected, backend.State())
	require.Equal(t, 1, v.Closes())

	require.True(t, backend.Connect(ctx).Connected)
	require.Equal(t, 2, v.Binds())
	require.Len(t, backend.GetPurchases(ctx), 1)
}

func newPurchase(i int) *iap.Purchase {
	return &iap.Purchase{
		ProductID:        "coins_100",
		PurchaseToken:    fmt.Sprintf("token-%d", i),
		OrderID:          fmt.Sprintf("order-%d", i),
		PurchaseTime:     fmt.Sprintf("%d", 1700000000000+int64(i)),
		DeveloperPayload: "payload",
	}
}
