package iap

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/pkg/errors"
)

// Schema names the fields a vendor uses in its raw catalog and purchase JSON.
type Schema struct {
	ProductID         string
	Title             string
	Description       string
	Price             string
	PriceAmountMicros string
	PriceCurrencyCode string

	PurchaseProductID string
	PurchaseToken     string
	OrderID           string
	PurchaseTime      string
	DeveloperPayload  string
	AutoRenewing      string
}

// NormalizeProduct maps one raw vendor catalog record into a Product.
func NormalizeProduct(schema Schema, raw string) (*Product, error) {
	record, err := parseRecord(raw)
	if err != nil {
		return nil, err
	}

	productID := stringField(record, schema.ProductID)
	if productID == "" {
		return nil, errors.Wrap(ErrMissingField, schema.ProductID)
	}

	return &Product{
		ProductID:         productID,
		Title:             stringField(record, schema.Title),
		Description:       stringField(record, schema.Description),
		Price:             stringField(record, schema.Price),
		PriceAmountMicros: stringField(record, schema.PriceAmountMicros),
		PriceCurrencyCode: stringField(record, schema.PriceCurrencyCode),
	}, nil
}

// NormalizePurchase maps one raw vendor purchase record into a Purchase. raw
// is kept verbatim as the purchase's OriginalJSON.
func NormalizePurchase(market Market, schema Schema, raw, signature string) (*Purchase, error) {
	record, err := parseRecord(raw)
	if err != nil {
		return nil, err
	}

	purchase := &Purchase{
		Market:           market,
		ProductID:        stringField(record, schema.PurchaseProductID),
		PurchaseToken:    stringField(record, schema.PurchaseToken),
		OrderID:          stringField(record, schema.OrderID),
		PurchaseTime:     stringField(record, schema.PurchaseTime),
		DeveloperPayload: stringField(record, schema.DeveloperPayload),
		IsAutoRenewing:   boolField(record, schema.AutoRenewing),
		OriginalJSON:     raw,
		Signature:        signature,
	}

	for _, required := range []struct{ field, value string }{
		{schema.PurchaseProductID, purchase.ProductID},
		{schema.PurchaseToken, purchase.PurchaseToken},
		{schema.OrderID, purchase.OrderID},
	} {
		if required.value == "" {
			return nil, errors.Wrap(ErrMissingField, required.field)
		}
	}

	return purchase, nil
}

// EncodeProduct renders p the way the vendor's catalog does.
func (s Schema) EncodeProduct(p *Product) (string, error) {
	record := gabs.New()
	set := func(field string, value any) error {
		_, err := record.Set(value, field)
		return err
	}

	for _, err := range []error{
		set(s.ProductID, p.ProductID),
		set(s.Title, p.Title),
		set(s.Description, p.Description),
		set(s.Price, p.Price),
		set(s.PriceAmountMicros, numberOrString(p.PriceAmountMicros)),
		set(s.PriceCurrencyCode, p.PriceCurrencyCode),
	} {
		if err != nil {
			return "", errors.Wrap(err, "failed to encode product")
		}
	}

	return record.String(), nil
}

// EncodePurchase renders p the way the vendor's purchase data does.
func (s Schema) EncodePurchase(p *Purchase) (string, error) {
	record := gabs.New()
	set := func(field string, value any) error {
		_, err := record.Set(value, field)
		return err
	}

	for _, err := range []error{
		set(s.PurchaseProductID, p.ProductID),
		set(s.PurchaseToken, p.PurchaseToken),
		set(s.OrderID, p.OrderID),
		set(s.PurchaseTime, numberOrString(p.PurchaseTime)),
		set(s.DeveloperPayload, p.DeveloperPayload),
		set(s.AutoRenewing, p.IsAutoRenewing),
	} {
		if err != nil {
			return "", errors.Wrap(err, "failed to encode purchase")
		}
	}

	return record.String(), nil
}

func parseRecord(raw string) (*gabs.Container, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()

	record, err := gabs.ParseJSONDecoder(decoder)
	if err != nil {
		return nil, errors.Wrap(err, "malformed vendor record")
	}
	if _, ok := record.Data().(map[string]any); !ok {
		return nil, fmt.Errorf("malformed vendor record: expected object, got %T", record.Data())
	}

	var trailing json.RawMessage
	if err := decoder.Decode(&trailing); err != io.EOF {
		return nil, errors.New("malformed vendor record: trailing data after object")
	}
	return record, nil
}

func stringField(record *gabs.Container, field string) string {
	if field == "" {
		return ""
	}

	switch v := record.Search(field).Data().(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func boolField(record *gabs.Container, field string) bool {
	if field == "" {
		return false
	}

	switch v := record.Search(field).Data().(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(v)
		return err == nil && parsed
	default:
		return false
	}
}

// numberOrString emits integer-looking text as a JSON number, which is how
// vendors encode times and prices.
func numberOrString(v string) any {
	if v == "" {
		return v
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return v
		}
	}
	if len(v) > 1 && v[0] == '0' {
		return v
	}
	return json.Number(v)
}
