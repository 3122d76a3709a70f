// Package challenge decodes the structured payment demand a provider embeds
// in a 402 response. Decoding is strict on the required fields and tolerant of
// everything else: unknown fields, field order, surrounding whitespace, and a
// handful of expiry formats.
package challenge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/newsieai/paygate/types"
	"github.com/shopspring/decimal"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

type wireChallenge struct {
	Amount    json.RawMessage `json:"amount"`
	Asset     string          `json:"asset"`
	Recipient string          `json:"recipient"`
	Reference string          `json:"reference"`
	Expiry    json.RawMessage `json:"expiry"`

	// Providers disagree on the resource field name.
	ResourceURL  string `json:"resourceUrl"`
	ResourceURL2 string `json:"resource_url"`
	URL          string `json:"url"`
}

// Decode parses a raw 402 body into a PaymentChallenge. Any missing or
// malformed required field yields a decode_error; a partially filled
// challenge is never returned.
func Decode(raw []byte) (*types.PaymentChallenge, error) {
	var wire wireChallenge
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &types.Error{
			Code:    types.ErrDecode,
			Message: fmt.Sprintf("malformed challenge payload: %v", err),
		}
	}

	amount, err := parseAmount(wire.Amount)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrDecode,
			Message: fmt.Sprintf("invalid amount: %v", err),
		}
	}

	expiry, err := parseExpiry(wire.Expiry)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrDecode,
			Message: fmt.Sprintf("invalid expiry: %v", err),
		}
	}

	ch := &types.PaymentChallenge{
		Amount:      amount,
		Asset:       strings.TrimSpace(wire.Asset),
		Recipient:   strings.TrimSpace(wire.Recipient),
		Reference:   strings.TrimSpace(wire.Reference),
		Expiry:      expiry,
		ResourceURL: firstNonEmpty(wire.ResourceURL, wire.ResourceURL2, wire.URL),
	}

	if err := validate.Struct(ch); err != nil {
		return nil, &types.Error{
			Code:    types.ErrDecode,
			Message: fmt.Sprintf("challenge validation failed: %v", err),
		}
	}
	if err := ch.Validate(); err != nil {
		return nil, &types.Error{
			Code:    types.ErrDecode,
			Message: err.Error(),
		}
	}

	return ch, nil
}

// Extract pulls a challenge payload out of free text, for callers whose
// upstream wraps the 402 body in prose or a flag envelope. It returns the
// first embedded JSON object that carries an amount field, unwrapping a
// payment_data envelope when present. Extraction only locates the payload;
// Decode still owns validation.
func Extract(text string) ([]byte, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := balancedObject(text, i)
		if !ok {
			continue
		}
		candidate := []byte(text[i : end+1])

		var envelope struct {
			PaymentData json.RawMessage `json:"payment_data"`
		}
		if err := json.Unmarshal(candidate, &envelope); err != nil {
			continue
		}
		if looksLikeChallenge(envelope.PaymentData) {
			return envelope.PaymentData, true
		}
		if looksLikeChallenge(candidate) {
			return candidate, true
		}
		i = end
	}
	return nil, false
}

func looksLikeChallenge(raw []byte) bool {
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var probe struct {
		Amount json.RawMessage `json:"amount"`
	}
	return json.Unmarshal(raw, &probe) == nil && len(probe.Amount) > 0
}

// balancedObject returns the index of the brace closing the object opened at
// start, honoring strings and escapes.
func balancedObject(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i, true
				}
			}
		}
	}
	return 0, false
}

func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err != nil {
		return decimal.Zero, fmt.Errorf("non-numeric amount %s", raw)
	}
	return d, nil
}

// expiryLayouts are tried in order for string expiries.
var expiryLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseExpiry(raw json.RawMessage) (*time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		for _, layout := range expiryLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("unrecognized expiry %q", s)
	}
	// Numeric expiries are unix seconds.
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return nil, fmt.Errorf("unrecognized expiry %s", raw)
	}
	t := time.Unix(int64(secs), 0).UTC()
	return &t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
