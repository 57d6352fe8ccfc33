package bazaar

import (
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/vendor"
)

const (
	// VendorPackage is the package of the Bazaar store app.
	VendorPackage = "com.farsitel.bazaar"

	BindAction = "ir.cafebazaar.pardakht.InAppBillingService.BIND"
)

// Schema is Bazaar's raw catalog and purchase field naming.
var Schema = iap.Schema{
	ProductID:         "productId",
	Title:             "title",
	Description:       "description",
	Price:             "price",
	PriceAmountMicros: "price_amount_micros",
	PriceCurrencyCode: "price_currency_code",

	PurchaseProductID: "productId",
	PurchaseToken:     "purchaseToken",
	OrderID:           "orderId",
	PurchaseTime:      "purchaseTime",
	DeveloperPayload:  "developerPayload",
	AutoRenewing:      "autoRenewing",
}

var Descriptor = vendor.Descriptor{
	Market:        iap.MarketBazaar,
	VendorPackage: VendorPackage,
	BindAction:    BindAction,
	Schema:        Schema,
}

// NewBackend returns a disconnected Bazaar backend for the app packageName.
func NewBackend(log *zap.Logger, binder vendor.Binder, packageName string, opts ...vendor.AdapterOption) iap.Backend {
	return vendor.NewAdapter(log, Descriptor, binder, packageName, opts...)
}

func Factory(binder vendor.Binder, packageName string, opts ...vendor.AdapterOption) iap.BackendFactory {
	return func(log *zap.Logger) iap.Backend {
		return NewBackend(log, binder, packageName, opts...)
	}
}
