package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/market-billing/bridge"
	"github.com/code-payments/market-billing/config"
	"github.com/code-payments/market-billing/event"
	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/bazaar"
	"github.com/code-payments/market-billing/iap/cache"
	"github.com/code-payments/market-billing/iap/memory"
	"github.com/code-payments/market-billing/iap/myket"
	"github.com/code-payments/market-billing/iap/vendor"
	"github.com/code-payments/market-billing/logging"
	"github.com/code-payments/market-billing/signature"
)

const demoPackageName = "com.example.app"

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted billing session against in-memory vendor apps",
	Long: `Run a scripted billing session against in-memory vendor apps.

The session is wired exactly as an app would wire it, from the config file
through the bridge handler, with vendors that sign purchases with a freshly
generated key.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log, err := logging.New(cfg.DebugLogging)
		if err != nil {
			return err
		}
		defer func() {
			_ = log.Sync()
		}()

		priv, err := signature.GenerateKey(signature.DefaultKeyBits)
		if err != nil {
			return err
		}
		publicKey, err := signature.EncodePublicKey(&priv.PublicKey)
		if err != nil {
			return err
		}

		binder := memory.NewBinder()
		for _, v := range []struct {
			pkg    string
			schema iap.Schema
		}{
			{bazaar.VendorPackage, bazaar.Schema},
			{myket.VendorPackage, myket.Schema},
		} {
			vendorApp := memory.NewVendor(v.schema)
			vendorApp.SetSigner(priv)
			if err := vendorApp.AddProduct(iap.PurchaseTypeInApp, &iap.Product{
				ProductID:         "coins_100",
				Title:             "100 Coins",
				Price:             "10,000 IRR",
				PriceAmountMicros: "10000000000",
				PriceCurrencyCode: "IRR",
			}); err != nil {
				return err
			}
			binder.Install(v.pkg, vendorApp)
		}

		timeout := vendor.WithConnectTimeout(cfg.ConnectTimeout)
		registry := iap.NewRegistry()
		registry.Register(iap.MarketBazaar, cache.Factory(bazaar.Factory(binder, demoPackageName, timeout), cfg.ProductCacheTTL))
		registry.Register(iap.MarketMyket, cache.Factory(myket.Factory(binder, demoPackageName, timeout), cfg.ProductCacheTTL))

		completions := event.NewBus[iap.Market, *iap.Completion]()
		dispatcher := iap.NewDispatcher(
			log,
			registry,
			signature.NewRSAVerifier(log),
			completions,
			iap.WithDefaultMarket(cfg.Market),
			iap.WithMetrics(iap.NewMetrics(prometheus.NewRegistry())),
			iap.WithKeyConfigs(cfg.KeyConfigs()),
		)
		handler := bridge.NewHandler(log, dispatcher, completions)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		s := &demoSession{cmd: cmd, log: log, handler: handler}
		s.call(ctx, bridge.MethodInitialize, nil)
		s.call(ctx, bridge.MethodSetKeyConfig, map[string]any{"publicKey": publicKey})
		s.call(ctx, bridge.MethodIsBillingSupported, nil)
		s.call(ctx, bridge.MethodGetProducts, map[string]any{"productIds": []any{"coins_100", "unknown"}})

		started := s.call(ctx, bridge.MethodPurchase, map[string]any{"productId": "coins_100", "payload": "demo"})
		if intentID := started.GetStructValue().GetFields()["intentId"].GetStringValue(); intentID != "" {
			market, _ := dispatcher.ActiveMarket()
			if err := completeDemoPurchase(ctx, binder, market, handler, intentID); err != nil {
				return err
			}
			s.call(ctx, bridge.MethodAwaitPurchase, map[string]any{"intentId": intentID})
		}

		s.call(ctx, bridge.MethodIsPurchased, map[string]any{"productId": "coins_100"})
		s.call(ctx, bridge.MethodGetPurchases, nil)
		s.call(ctx, bridge.MethodDisconnect, nil)

		completions.Drain()
		return nil
	},
}

// completeDemoPurchase plays the platform: the user finishes the purchase flow
// in the vendor app and the result is handed back through the bridge.
func completeDemoPurchase(ctx context.Context, binder *memory.Binder, market iap.Market, handler *bridge.Handler, intentID string) error {
	pkg := bazaar.VendorPackage
	if market == iap.MarketMyket {
		pkg = myket.VendorPackage
	}

	vendorApp := binder.Vendor(pkg)
	if vendorApp == nil {
		return fmt.Errorf("no vendor installed for %s", market)
	}

	raw, sig, err := vendorApp.CompletePurchase("coins_100", "demo")
	if err != nil {
		return err
	}

	args, err := structpb.NewStruct(map[string]any{
		"intentId":     intentID,
		"responseCode": 0,
		"purchaseData": raw,
		"signature":    sig,
	})
	if err != nil {
		return err
	}
	_, err = handler.Handle(ctx, bridge.MethodCompletePurchase, args)
	return err
}

type demoSession struct {
	cmd     *cobra.Command
	log     *zap.Logger
	handler *bridge.Handler
}

func (s *demoSession) call(ctx context.Context, method string, args map[string]any) *structpb.Value {
	in, err := structpb.NewStruct(args)
	if err != nil {
		s.log.Warn("Failed to encode demo arguments", zap.String("method", method), zap.Error(err))
		return structpb.NewNullValue()
	}

	out, err := s.handler.Handle(ctx, method, in)
	if err != nil {
		fmt.Fprintf(s.cmd.OutOrStdout(), "%s -> error: %v\n", method, err)
		return structpb.NewNullValue()
	}

	rendered, err := protojson.Marshal(out)
	if err != nil {
		rendered = []byte(out.String())
	}
	fmt.Fprintf(s.cmd.OutOrStdout(), "%s -> %s\n", method, rendered)
	return out
}
