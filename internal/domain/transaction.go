package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Standard transaction field names.
const (
	FieldTransactionID  = "transaction_id"
	FieldAmount         = "transaction_amount"
	FieldChannel        = "transaction_channel"
	FieldPaymentMode    = "transaction_payment_mode"
	FieldPaymentGateway = "payment_gateway"
	FieldPayerID        = "payer_id"
	FieldPayeeID        = "payee_id"
	FieldDate           = "transaction_date"

	// FieldPayerTxnCount is added by velocity enrichment.
	FieldPayerTxnCount = "payer_txn_count"
)

// legacyFields maps names used by the older single-transaction form
// onto the standard transaction_* names.
var legacyFields = map[string]string{
	"amount":         FieldAmount,
	"payment_method": FieldPaymentMode,
}

// Transaction is a raw transaction record: field name to scalar value.
// Values are strings, numbers (float64, int, json.Number) or dates.
type Transaction map[string]any

// Clone returns a shallow copy of the transaction.
func (t Transaction) Clone() Transaction {
	out := make(Transaction, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Normalize returns a copy with legacy field names copied to their
// standard names. Standard names already present are never overwritten.
func (t Transaction) Normalize() Transaction {
	out := t.Clone()
	for legacy, standard := range legacyFields {
		v, ok := t[legacy]
		if !ok {
			continue
		}
		if _, exists := t[standard]; !exists {
			out[standard] = v
		}
	}
	return out
}

// BatchKeyPrefix starts the result key of a transaction without a usable
// id. Ids may not start with it.
const BatchKeyPrefix = "#"

// ID returns the string form of transaction_id. Strings and integral
// numbers are accepted; blank ids and ids starting with BatchKeyPrefix are not.
func (t Transaction) ID() (string, bool) {
	s, ok := t.Field(FieldTransactionID)
	if !ok || strings.HasPrefix(s, BatchKeyPrefix) {
		return "", false
	}
	return s, true
}

// Field returns the trimmed string form of a string or integral field.
func (t Transaction) Field(name string) (string, bool) {
	s, ok := scalarString(t[name])
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func scalarString(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		return n, true
	case json.Number:
		if _, err := n.Int64(); err != nil {
			return "", false
		}
		return n.String(), true
	case int:
		return strconv.Itoa(n), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) >= 1<<53 {
			return "", false
		}
		return strconv.FormatInt(int64(n), 10), true
	default:
		return "", false
	}
}

// Amount returns transaction_amount as a decimal.
func (t Transaction) Amount() (decimal.Decimal, error) {
	v, ok := t[FieldAmount]
	if !ok || v == nil {
		return decimal.Zero, fmt.Errorf("%w: %s is required", ErrInvalidTransaction, FieldAmount)
	}
	d, ok := ToDecimal(v)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s must be numeric, got %v", ErrInvalidTransaction, FieldAmount, v)
	}
	return d, nil
}

// Validate checks the fields required for detection.
func (t Transaction) Validate() error {
	if _, ok := t.ID(); !ok {
		if s, _ := t.Field(FieldTransactionID); strings.HasPrefix(s, BatchKeyPrefix) {
			return fmt.Errorf("%w: %s must not start with %q", ErrInvalidTransaction, FieldTransactionID, BatchKeyPrefix)
		}
		return fmt.Errorf("%w: %s is required", ErrInvalidTransaction, FieldTransactionID)
	}
	amount, err := t.Amount()
	if err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalidTransaction, FieldAmount)
	}
	return nil
}

// ToDecimal coerces a scalar into a decimal. Numeric strings are accepted;
// booleans, empty strings, NaN, infinities and non-scalars are not.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// dateLayouts are tried in order when a value is compared as a date.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ToTime parses a time.Time or a date string in RFC 3339 or YYYY-MM-DD form.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
