package memory

import (
	"context"
	"slices"
	"strconv"

	"github.com/code-payments/market-billing/iap"
	"github.com/code-payments/market-billing/iap/vendor"
)

type service struct {
	vendor *Vendor
	closed bool
}

var _ vendor.Service = (*service)(nil)

func (s *service) IsBillingSupported(_ context.Context, _ string, _ iap.PurchaseType) (vendor.ResponseCode, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return vendor.ResultError, err
	}
	if code, ok := s.vendor.failures[OpIsBillingSupported]; ok {
		return code, nil
	}
	return vendor.ResultOK, nil
}

func (s *service) GetSkuDetails(_ context.Context, _ string, purchaseType iap.PurchaseType, skus []string) (vendor.Bundle, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if bundle, done, err := s.preambleLocked(OpGetSkuDetails); done {
		return bundle, err
	}

	details := []string{}
	for _, entry := range s.vendor.catalog[purchaseType] {
		if slices.Contains(skus, entry.productID) {
			details = append(details, entry.raw)
		}
	}

	return vendor.Bundle{
		vendor.KeyResponseCode: int(vendor.ResultOK),
		vendor.KeyDetailsList:  details,
	}, nil
}

func (s *service) GetPurchases(_ context.Context, _ string, purchaseType iap.PurchaseType, continuationToken string) (vendor.Bundle, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if bundle, done, err := s.preambleLocked(OpGetPurchases); done {
		return bundle, err
	}
	return s.vendor.pageLocked(s.vendor.owned, purchaseType, continuationToken), nil
}

func (s *service) GetPurchaseHistory(_ context.Context, _ string, purchaseType iap.PurchaseType, continuationToken string) (vendor.Bundle, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if bundle, done, err := s.preambleLocked(OpGetPurchaseHistory); done {
		return bundle, err
	}
	return s.vendor.pageLocked(s.vendor.history, purchaseType, continuationToken), nil
}

func (s *service) ConsumePurchase(_ context.Context, _ string, token string) (vendor.ResponseCode, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return vendor.ResultError, err
	}
	if code, ok := s.vendor.failures[OpConsumePurchase]; ok {
		return code, nil
	}

	i := s.vendor.findOwnedLocked(token)
	if i < 0 {
		return vendor.ResultItemNotOwned, nil
	}
	s.vendor.owned = slices.Delete(s.vendor.owned, i, i+1)
	return vendor.ResultOK, nil
}

func (s *service) AcknowledgePurchase(_ context.Context, _ string, token, _ string) (vendor.ResponseCode, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return vendor.ResultError, err
	}
	if code, ok := s.vendor.failures[OpAcknowledgePurchase]; ok {
		return code, nil
	}

	i := s.vendor.findOwnedLocked(token)
	if i < 0 {
		return vendor.ResultItemNotOwned, nil
	}
	s.vendor.owned[i].acknowledged = true
	return vendor.ResultOK, nil
}

func (s *service) GetBuyIntent(_ context.Context, _ string, sku string, purchaseType iap.PurchaseType, _ string) (vendor.Bundle, error) {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if bundle, done, err := s.preambleLocked(OpGetBuyIntent); done {
		return bundle, err
	}

	for _, r := range s.vendor.owned {
		if r.purchaseType == iap.PurchaseTypeInApp && r.productID == sku {
			return codeBundle(vendor.ResultItemAlreadyOwned), nil
		}
	}

	for _, entry := range s.vendor.catalog[purchaseType] {
		if entry.productID == sku {
			return vendor.Bundle{
				vendor.KeyResponseCode: int(vendor.ResultOK),
				vendor.KeyBuyIntent:    "intent://buy/" + sku,
			}, nil
		}
	}
	return codeBundle(vendor.ResultItemUnavailable), nil
}

func (s *service) Close() error {
	s.vendor.mu.Lock()
	defer s.vendor.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.vendor.closes++
	return nil
}

func (s *service) checkLocked() error {
	if s.closed || s.vendor.dropped {
		return vendor.ErrDisconnected
	}
	return nil
}

// preambleLocked handles the connection check and injected failures shared by
// every bundle-returning call. done reports whether the call is answered.
func (s *service) preambleLocked(op Op) (vendor.Bundle, bool, error) {
	if err := s.checkLocked(); err != nil {
		return nil, true, err
	}
	if code, ok := s.vendor.failures[op]; ok {
		return codeBundle(code), true, nil
	}
	if s.vendor.malformed[op] {
		return codeBundle(vendor.ResultOK), true, nil
	}
	return nil, false, nil
}

func (v *Vendor) pageLocked(records []*record, purchaseType iap.PurchaseType, continuationToken string) vendor.Bundle {
	var matching []*record
	for _, r := range records {
		if r.purchaseType == purchaseType {
			matching = append(matching, r)
		}
	}

	start, _ := strconv.Atoi(continuationToken)
	start = min(max(start, 0), len(matching))
	end := len(matching)
	if v.pageSize > 0 {
		end = min(start+v.pageSize, end)
	}

	items := []string{}
	data := []string{}
	signatures := []string{}
	for _, r := range matching[start:end] {
		items = append(items, r.productID)
		data = append(data, r.raw)
		signatures = append(signatures, r.signature)
	}

	bundle := vendor.Bundle{
		vendor.KeyResponseCode:  int(vendor.ResultOK),
		vendor.KeyItemList:      items,
		vendor.KeyDataList:      data,
		vendor.KeySignatureList: signatures,
	}
	if end < len(matching) {
		bundle[vendor.KeyContinuationToken] = strconv.Itoa(end)
	}
	return bundle
}

func codeBundle(code vendor.ResponseCode) vendor.Bundle {
	return vendor.Bundle{vendor.KeyResponseCode: int(code)}
}
