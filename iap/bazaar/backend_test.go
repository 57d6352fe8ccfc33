package bazaar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/memory"
	"github.com/code-payments/market-billing/iap/tests"
	"github.com/code-payments/market-billing/iap/vendor"
)

func TestBazaar_MemoryVendor(t *testing.T) {
	newBackend := func(t *testing.T) (iap.Backend, *memory.Vendor) {
		v := memory.NewVendor(Schema)
		binder := memory.NewBinder()
		binder.Install(VendorPackage, v)

		backend := NewBackend(zap.Must(zap.NewDevelopment()), binder, "com.example.app", vendor.WithConnectTimeout(time.Second))
		require.Equal(t, iap.MarketBazaar, backend.Market())
		return backend, v
	}
	teardown := func() {}

	tests.RunBackendTests(t, newBackend, teardown)
}
