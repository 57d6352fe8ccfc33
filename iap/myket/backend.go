package myket

import (
	"go.uber.org/zap"

	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/vendor"
)

const (
	// VendorPackage is the package of the Myket store app.
	VendorPackage = "ir.mservices.market"

	BindAction = "ir.mservices.market.InAppBillingService.BIND"
)

// Schema is Myket's raw catalog and purchase field naming. It differs from
// Bazaar's in the id, token, price and renewal fields.
var Schema = iap.Schema{
	ProductID:         "sku",
	Title:             "title",
	Description:       "description",
	Price:             "price",
	PriceAmountMicros: "priceAmountMicros",
	PriceCurrencyCode: "priceCurrencyCode",

	PurchaseProductID: "sku",
	PurchaseToken:     "token",
	OrderID:           "orderId",
	PurchaseTime:      "purchaseTime",
	DeveloperPayload:  "developerPayload",
	AutoRenewing:      "isAutoRenewing",
}

var Descriptor = vendor.Descriptor{
	Market:        iap.MarketMyket,
	VendorPackage: VendorPackage,
	BindAction:    BindAction,
	Schema:        Schema,
}

func NewBackend(log *zap.Logger, binder vendor.Binder, packageName string, opts ...vendor.AdapterOption) iap.Backend {
	return vendor.NewAdapter(log, Descriptor, binder, packageName, opts...)
}

func Factory(binder vendor.Binder, packageName string, opts ...vendor.AdapterOption) iap.BackendFactory {
	return func(log *zap.Logger) iap.Backend {
		return NewBackend(log, binder, packageName, opts...)
	}
}
