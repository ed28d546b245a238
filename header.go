package veyrun

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// The requirement header is attacker/server controlled. Nothing in this file
// may panic or return an error to the caller: malformed input decodes to nil.

var validate = validator.New()

// usdcDecimals is the decimal-places hint applied when an accept option
// carries a contract-address asset without an explicit extra.decimals.
const usdcDecimals = 6

// requirementTTL is synthesized onto options that arrive without an expiry.
const requirementTTL = 10 * time.Minute

// testnetChains rewrites chain/network values carrying a known testnet
// chain-id substring to the canonical human-readable chain name.
var testnetChains = map[string]string{
	"84532":    "base-sepolia",
	"80002":    "polygon-amoy",
	"11155111": "sepolia",
}

// DecodePaymentRequired turns a raw Payment-Required header value into a
// normalized PaymentRequired, or nil if the value is not decodable. Options
// that match none of the known shapes are dropped, not fatal, so the result
// may carry zero accepts while still being a decoded header.
func DecodePaymentRequired(raw string) *PaymentRequired {
	obj := decodeHeaderObject(raw)
	if obj == nil {
		return nil
	}

	rawAccepts, _ := obj["accepts"].([]any)
	if len(rawAccepts) == 0 {
		return nil
	}

	version, _ := obj["version"].(string)
	fallbackDescription := resourceDescription(obj)

	accepts := make([]PaymentRequirement, 0, len(rawAccepts))
	for _, entry := range rawAccepts {
		option, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if req, ok := normalizeOption(option, fallbackDescription); ok {
			accepts = append(accepts, req)
		}
	}

	return &PaymentRequired{Version: version, Accepts: accepts}
}

// DecodeReceipt turns a raw Payment-Response header value into a
// ReceiptRecord, or nil if the value is not decodable. Receipts are flat
// records: the transport decoding matches DecodePaymentRequired but no shape
// normalization is applied.
func DecodeReceipt(raw string) *ReceiptRecord {
	obj := decodeHeaderObject(raw)
	if obj == nil {
		return nil
	}

	receipt := &ReceiptRecord{
		ReceiptID:   asString(obj["receiptId"]),
		Amount:      asString(obj["amount"]),
		Asset:       asString(obj["asset"]),
		Timestamp:   asString(obj["timestamp"]),
		Proof:       asString(obj["proof"]),
		MerchantID:  asString(obj["merchantId"]),
		Resource:    asString(obj["resource"]),
		Network:     asString(obj["network"]),
		Description: asString(obj["description"]),
	}
	if success, ok := obj["success"].(bool); ok {
		receipt.Success = success
	}

	if receipt.ReceiptID == "" && receipt.Proof == "" {
		return nil
	}
	return receipt
}

// EncodePaymentRequired renders a PaymentRequired the way servers emit it:
// base64(JSON).
func EncodePaymentRequired(required *PaymentRequired) string {
	data, _ := json.Marshal(required)
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeReceipt renders a ReceiptRecord as a Payment-Response header value.
func EncodeReceipt(receipt *ReceiptRecord) string {
	data, _ := json.Marshal(receipt)
	return base64.StdEncoding.EncodeToString(data)
}

// decodeHeaderObject runs the transport decoding ladder: trim, strip one
// quote layer, direct JSON or base64url(JSON), then one percent-decoded
// retry if the cleaned string carries a percent-escape.
func decodeHeaderObject(raw string) map[string]any {
	cleaned := stripQuotes(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil
	}

	if obj := parseDirectOrBase64(cleaned); obj != nil {
		return obj
	}

	if strings.Contains(cleaned, "%") {
		unescaped, err := url.PathUnescape(cleaned)
		if err != nil {
			return nil
		}
		return parseDirectOrBase64(stripQuotes(strings.TrimSpace(unescaped)))
	}

	return nil
}

func parseDirectOrBase64(s string) map[string]any {
	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil
		}
		return obj
	}

	decoded, err := decodeBase64Loose(s)
	if err != nil {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(decoded, &obj); err != nil {
		return nil
	}
	return obj
}

// decodeBase64Loose accepts both the url-safe and standard alphabets and
// re-pads the input to a multiple of four before decoding.
func decodeBase64Loose(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	s = strings.TrimRight(s, "=")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(s)
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// wireOption is one entry of the accepts array with its field aliases
// already resolved, ready for shape matching.
type wireOption struct {
	asset       string
	amount      string
	price       string
	recipient   string
	payTo       string
	chain       string
	network     string
	nonce       string
	expiresAt   string
	description string
	decimals    int
}

// shapeMatcher is a predicate plus transform. Matchers are tried in a fixed
// priority order and the first match wins; adding a shape is a pure
// addition to the list.
type shapeMatcher struct {
	name  string
	match func(wireOption) bool
	apply func(wireOption) (PaymentRequirement, bool)
}

var shapeMatchers = []shapeMatcher{
	{
		// Native shape: asset/amount with explicit recipient and chain.
		name: "native",
		match: func(o wireOption) bool {
			return o.amount != "" && o.asset != "" && o.recipient != "" && o.chain != ""
		},
		apply: func(o wireOption) (PaymentRequirement, bool) {
			asset, amount, ok := normalizeAssetAmount(o.asset, o.amount, o.decimals)
			if !ok {
				return PaymentRequirement{}, false
			}
			return PaymentRequirement{
				Asset:     asset,
				Amount:    amount,
				Chain:     canonicalChain(o.chain),
				Recipient: o.recipient,
			}, true
		},
	},
	{
		// Price shape: "$0.25"-style price with payTo/network. Always USDC.
		name: "price",
		match: func(o wireOption) bool {
			return o.price != "" && o.payTo != "" && o.network != ""
		},
		apply: func(o wireOption) (PaymentRequirement, bool) {
			amount := strings.TrimPrefix(strings.TrimSpace(o.price), "$")
			if amount == "" {
				return PaymentRequirement{}, false
			}
			return PaymentRequirement{
				Asset:     "USDC",
				Amount:    amount,
				Chain:     canonicalChain(o.network),
				Recipient: o.payTo,
			}, true
		},
	},
	{
		// Hybrid shape: native asset/amount fields paired with the price
		// shape's payTo/network fields.
		name: "hybrid",
		match: func(o wireOption) bool {
			return o.amount != "" && o.asset != "" && o.payTo != "" && o.network != ""
		},
		apply: func(o wireOption) (PaymentRequirement, bool) {
			asset, amount, ok := normalizeAssetAmount(o.asset, o.amount, o.decimals)
			if !ok {
				return PaymentRequirement{}, false
			}
			return PaymentRequirement{
				Asset:     asset,
				Amount:    amount,
				Chain:     canonicalChain(o.network),
				Recipient: o.payTo,
			}, true
		},
	},
}

func normalizeOption(option map[string]any, fallbackDescription string) (PaymentRequirement, bool) {
	wire := extractOption(option)

	for _, matcher := range shapeMatchers {
		if !matcher.match(wire) {
			continue
		}
		req, ok := matcher.apply(wire)
		if !ok {
			return PaymentRequirement{}, false
		}

		req.Nonce = wire.nonce
		if req.Nonce == "" {
			req.Nonce = "x402-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		}
		req.ExpiresAt = parseExpiry(wire.expiresAt)
		req.Description = wire.description
		if req.Description == "" {
			req.Description = fallbackDescription
		}

		if err := validate.Struct(&req); err != nil {
			return PaymentRequirement{}, false
		}
		return req, true
	}

	return PaymentRequirement{}, false
}

// extractOption resolves field aliases (pay_to, pay_to_address, chain_id)
// before any shape matching happens.
func extractOption(option map[string]any) wireOption {
	wire := wireOption{
		asset:       asString(option["asset"]),
		amount:      asString(option["amount"]),
		price:       asString(option["price"]),
		recipient:   asString(option["recipient"]),
		payTo:       firstString(option, "payTo", "pay_to", "pay_to_address"),
		chain:       asString(option["chain"]),
		network:     firstString(option, "network", "chain_id"),
		nonce:       asString(option["nonce"]),
		expiresAt:   asString(option["expiresAt"]),
		description: asString(option["description"]),
		decimals:    usdcDecimals,
	}

	if extra, ok := option["extra"].(map[string]any); ok {
		if d, ok := extra["decimals"].(float64); ok && d >= 0 && d == math.Trunc(d) {
			wire.decimals = int(d)
		}
	}
	return wire
}

// normalizeAssetAmount maps a contract-address asset to the USDC symbol and
// reinterprets the amount as a base-unit integer scaled by the decimals
// hint. Symbol assets pass through untouched.
func normalizeAssetAmount(asset, amount string, decimals int) (string, string, bool) {
	if !isHexAddress(asset) {
		return asset, amount, true
	}
	units, err := decimal.NewFromString(amount)
	if err != nil {
		return "", "", false
	}
	return "USDC", units.Shift(int32(-decimals)).String(), true
}

func isHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 4 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func canonicalChain(chain string) string {
	for id, name := range testnetChains {
		if strings.Contains(chain, id) {
			return name
		}
	}
	return chain
}

func parseExpiry(value string) time.Time {
	if value != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, value); err == nil {
				return t
			}
		}
	}
	return time.Now().Add(requirementTTL)
}

func resourceDescription(obj map[string]any) string {
	resource, ok := obj["resource"].(map[string]any)
	if !ok {
		return ""
	}
	return asString(resource["description"])
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := asString(m[key]); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
