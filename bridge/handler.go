package bridge

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/market-billing/event"
	"github.com/code-payments/market-billing/iap"
)

// Method names accepted by Handle.
const (
	MethodInitialize              = "initialize"
	MethodIsBillingSupported      = "isBillingSupported"
	MethodGetProducts             = "getProducts"
	MethodPurchase                = "purchase"
	MethodAwaitPurchase           = "awaitPurchase"
	MethodCompletePurchase        = "completePurchase"
	MethodConsume                 = "consume"
	MethodGetPurchases            = "getPurchases"
	MethodGetPurchaseHistory      = "getPurchaseHistory"
	MethodAcknowledgePurchase     = "acknowledgePurchase"
	MethodVerifyPurchaseSignature = "verifyPurchaseSignature"
	MethodIsPurchased             = "isPurchased"
	MethodSetKeyConfig            = "setKeyConfig"
	MethodDisconnect              = "disconnect"
)

type methodFunc func(ctx context.Context, args *structpb.Struct) (*structpb.Value, error)

// Handler routes calls arriving from the UI layer to the billing Dispatcher.
//
// Runtime failures come back as false, null or empty values. Only caller
// misuse is an error: codes.Unimplemented for an unknown method and
// codes.InvalidArgument for a missing or malformed argument.
type Handler struct {
	log         *zap.Logger
	dispatcher  *iap.Dispatcher
	completions *event.Bus[iap.Market, *iap.Completion]

	intentsMu sync.Mutex
	intents   map[string]*iap.PurchaseIntent

	methods map[string]methodFunc
}

func NewHandler(log *zap.Logger, dispatcher *iap.Dispatcher, completions *event.Bus[iap.Market, *iap.Completion]) *Handler {
	h := &Handler{
		log:         log,
		dispatcher:  dispatcher,
		completions: completions,
		intents:     map[string]*iap.PurchaseIntent{},
	}

	h.methods = map[string]methodFunc{
		MethodInitialize:              h.initialize,
		MethodIsBillingSupported:      h.isBillingSupported,
		MethodGetProducts:             h.getProducts,
		MethodPurchase:                h.purchase,
		MethodAwaitPurchase:           h.awaitPurchase,
		MethodCompletePurchase:        h.completePurchase,
		MethodConsume:                 h.consume,
		MethodGetPurchases:            h.getPurchases,
		MethodGetPurchaseHistory:      h.getPurchaseHistory,
		MethodAcknowledgePurchase:     h.acknowledgePurchase,
		MethodVerifyPurchaseSignature: h.verifyPurchaseSignature,
		MethodIsPurchased:             h.isPurchased,
		MethodSetKeyConfig:            h.setKeyConfig,
		MethodDisconnect:              h.disconnect,
	}

	return h
}

func (h *Handler) Handle(ctx context.Context, method string, args *structpb.Struct) (*structpb.Value, error) {
	fn, ok := h.methods[method]
	if !ok {
		h.log.Warn("Unsupported bridge method", zap.String("method", method))
		return nil, status.Errorf(codes.Unimplemented, "method %q is not supported", method)
	}

	if args == nil {
		args = &structpb.Struct{}
	}

	h.log.Debug("Handling bridge call", zap.String("method", method))
	return fn(ctx, args)
}

func (h *Handler) initialize(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	market, err := optionalMarket(args)
	if err != nil {
		return nil, err
	}
	connected := h.dispatcher.Initialize(ctx, market)

	// Initialize abandoned every pending intent.
	h.resetIntents()

	return structpb.NewBoolValue(connected), nil
}

func (h *Handler) isBillingSupported(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}
	return structpb.NewBoolValue(h.dispatcher.IsBillingSupported(ctx, opts...)), nil
}

func (h *Handler) getProducts(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	ids, err := requiredStringList(args, "productIds")
	if err != nil {
		return nil, err
	}
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}

	products := h.dispatcher.GetProducts(ctx, ids, opts...)

	values := make([]*structpb.Value, 0, len(products))
	for _, product := range products {
		values = append(values, EncodeProduct(product))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
}

func (h *Handler) purchase(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	productID, err := requiredString(args, "productId")
	if err != nil {
		return nil, err
	}
	payload, err := optionalString(args, "payload")
	if err != nil {
		return nil, err
	}
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}

	intent := h.dispatcher.Purchase(ctx, productID, payload, opts...)
	if intent == nil {
		return structpb.NewNullValue(), nil
	}

	h.intentsMu.Lock()
	h.intents[intent.ID] = intent
	h.intentsMu.Unlock()

	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"intentId":  structpb.NewStringValue(intent.ID),
		"market":    structpb.NewStringValue(intent.Market.String()),
		"productId": structpb.NewStringValue(intent.ProductID),
	}}), nil
}

// awaitPurchase blocks until the intent started by purchase resolves, returning
// the verified purchase or null.
func (h *Handler) awaitPurchase(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	intentID, err := requiredString(args, "intentId")
	if err != nil {
		return nil, err
	}

	h.intentsMu.Lock()
	intent, ok := h.intents[intentID]
	delete(h.intents, intentID)
	h.intentsMu.Unlock()

	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown intent %q", intentID)
	}

	purchase, err := intent.Wait(ctx)
	if err != nil {
		h.log.Debug("Purchase intent did not produce a purchase", zap.String("intent_id", intentID), zap.Error(err))
		return structpb.NewNullValue(), nil
	}
	return EncodePurchase(purchase), nil
}

// completePurchase is the platform's entry point for a finished purchase flow.
func (h *Handler) completePurchase(_ context.Context, args *structpb.Struct) (*structpb.Value, error) {
	intentID, err := requiredString(args, "intentId")
	if err != nil {
		return nil, err
	}
	responseCode, err := optionalInt(args, "responseCode")
	if err != nil {
		return nil, err
	}
	purchaseData, err := optionalString(args, "purchaseData")
	if err != nil {
		return nil, err
	}
	signature, err := optionalString(args, "signature")
	if err != nil {
		return nil, err
	}
	market, err := optionalMarket(args)
	if err != nil {
		return nil, err
	}

	m, ok := h.dispatcher.ActiveMarket()
	if market != nil {
		m, ok = *market, true
	}
	if !ok || h.completions == nil {
		return structpb.NewBoolValue(false), nil
	}

	err = h.completions.OnEvent(m, &iap.Completion{
		IntentID:     intentID,
		ResponseCode: responseCode,
		PurchaseData: purchaseData,
		Signature:    signature,
	})
	if err != nil {
		h.log.Warn("Failed to publish purchase completion", zap.Error(err))
		return structpb.NewBoolValue(false), nil
	}
	return structpb.NewBoolValue(true), nil
}

func (h *Handler) consume(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	token, err := requiredString(args, "purchaseToken")
	if err != nil {
		return nil, err
	}
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}
	return structpb.NewBoolValue(h.dispatcher.Consume(ctx, token, opts...)), nil
}

func (h *Handler) getPurchases(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}
	return encodePurchases(h.dispatcher.GetPurchases(ctx, opts...)), nil
}

func (h *Handler) getPurchaseHistory(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}
	return encodePurchases(h.dispatcher.GetPurchaseHistory(ctx, opts...)), nil
}

func (h *Handler) acknowledgePurchase(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	token, err := requiredString(args, "purchaseToken")
	if err != nil {
		return nil, err
	}
	payload, err := optionalString(args, "payload")
	if err != nil {
		return nil, err
	}
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}
	return structpb.NewBoolValue(h.dispatcher.AcknowledgePurchase(ctx, token, payload, opts...)), nil
}

func (h *Handler) verifyPurchaseSignature(_ context.Context, args *structpb.Struct) (*structpb.Value, error) {
	originalJSON, err := requiredString(args, "originalJson")
	if err != nil {
		return nil, err
	}
	signature, err := optionalString(args, "signature")
	if err != nil {
		return nil, err
	}
	market, err := optionalMarket(args)
	if err != nil {
		return nil, err
	}

	m, _ := h.dispatcher.ActiveMarket()
	if market != nil {
		m = *market
	}

	return structpb.NewBoolValue(h.dispatcher.VerifyPurchaseSignature(&iap.Purchase{
		Market:       m,
		OriginalJSON: originalJSON,
		Signature:    signature,
	})), nil
}

func (h *Handler) isPurchased(ctx context.Context, args *structpb.Struct) (*structpb.Value, error) {
	productID, err := requiredString(args, "productId")
	if err != nil {
		return nil, err
	}
	opts, err := callOptions(args)
	if err != nil {
		return nil, err
	}
	return structpb.NewBoolValue(h.dispatcher.IsPurchased(ctx, productID, opts...)), nil
}

func (h *Handler) setKeyConfig(_ context.Context, args *structpb.Struct) (*structpb.Value, error) {
	publicKey, err := requiredString(args, "publicKey")
	if err != nil {
		return nil, err
	}
	privateKey, err := optionalString(args, "privateKey")
	if err != nil {
		return nil, err
	}
	keyAlias, err := optionalString(args, "keyAlias")
	if err != nil {
		return nil, err
	}
	market, err := optionalMarket(args)
	if err != nil {
		return nil, err
	}

	m, _ := h.dispatcher.ActiveMarket()
	if market != nil {
		m = *market
	}

	err = h.dispatcher.SetKeyConfig(m, iap.KeyConfig{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		KeyAlias:   keyAlias,
	})
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return structpb.NewBoolValue(true), nil
}

func (h *Handler) disconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Value, error) {
	h.dispatcher.Disconnect(ctx)
	h.resetIntents()

	return structpb.NewNullValue(), nil
}

func (h *Handler) resetIntents() {
	h.intentsMu.Lock()
	h.intents = map[string]*iap.PurchaseIntent{}
	h.intentsMu.Unlock()
}

// EncodeProduct renders product in the caller-facing shape.
func EncodeProduct(product *iap.Product) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"productId":         structpb.NewStringValue(product.ProductID),
		"title":             structpb.NewStringValue(product.Title),
		"description":       structpb.NewStringValue(product.Description),
		"price":             structpb.NewStringValue(product.Price),
		"priceAmountMicros": structpb.NewStringValue(product.PriceAmountMicros),
		"priceCurrencyCode": structpb.NewStringValue(product.PriceCurrencyCode),
	}})
}

// EncodePurchase renders purchase in the caller-facing shape. originalJson is
// passed through untouched.
func EncodePurchase(purchase *iap.Purchase) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"market":           structpb.NewStringValue(purchase.Market.String()),
		"productId":        structpb.NewStringValue(purchase.ProductID),
		"purchaseToken":    structpb.NewStringValue(purchase.PurchaseToken),
		"orderId":          structpb.NewStringValue(purchase.OrderID),
		"purchaseTime":     structpb.NewStringValue(purchase.PurchaseTime),
		"developerPayload": structpb.NewStringValue(purchase.DeveloperPayload),
		"isAutoRenewing":   structpb.NewBoolValue(purchase.IsAutoRenewing),
		"originalJson":     structpb.NewStringValue(purchase.OriginalJSON),
		"signature":        structpb.NewStringValue(purchase.Signature),
		"verification":     structpb.NewStringValue(purchase.Verification.String()),
	}})
}

func encodePurchases(purchases []*iap.Purchase) *structpb.Value {
	values := make([]*structpb.Value, 0, len(purchases))
	for _, purchase := range purchases {
		values = append(values, EncodePurchase(purchase))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func requiredString(args *structpb.Struct, name string) (string, error) {
	v, ok := args.GetFields()[name]
	if !ok || isNull(v) {
		return "", status.Errorf(codes.InvalidArgument, "missing argument %q", name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || s.StringValue == "" {
		return "", status.Errorf(codes.InvalidArgument, "argument %q must be a non-empty string", name)
	}
	return s.StringValue, nil
}

func optionalString(args *structpb.Struct, name string) (string, error) {
	v, ok := args.GetFields()[name]
	if !ok || isNull(v) {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "argument %q must be a string", name)
	}
	return s.StringValue, nil
}

func optionalInt(args *structpb.Struct, name string) (int, error) {
	v, ok := args.GetFields()[name]
	if !ok || isNull(v) {
		return 0, nil
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != float64(int(n)) {
			return 0, status.Errorf(codes.InvalidArgument, "argument %q must be an integer", name)
		}
		return int(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.Atoi(kind.StringValue)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "argument %q must be an integer", name)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "argument %q must be an integer", name)
	}
}

func requiredStringList(args *structpb.Struct, name string) ([]string, error) {
	v, ok := args.GetFields()[name]
	if !ok || isNull(v) {
		return nil, status.Errorf(codes.InvalidArgument, "missing argument %q", name)
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "argument %q must be a list of strings", name)
	}

	values := make([]string, 0, len(list.ListValue.GetValues()))
	for _, item := range list.ListValue.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "argument %q must be a list of strings", name)
		}
		values = append(values, s.StringValue)
	}
	return values, nil
}

func optionalMarket(args *structpb.Struct) (*iap.Market, error) {
	name, err := optionalString(args, "market")
	if err != nil || name == "" {
		return nil, err
	}

	market, err := iap.ParseMarket(name)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &market, nil
}

func callOptions(args *structpb.Struct) ([]iap.CallOption, error) {
	market, err := optionalMarket(args)
	if err != nil || market == nil {
		return nil, err
	}
	return []iap.CallOption{iap.WithMarket(*market)}, nil
}

func isNull(v *structpb.Value) bool {
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return ok
}
