// Command sandbox runs a demo paywall server for exercising the agent end
// to end: it answers unauthenticated requests with 402 challenges in the
// header shapes seen in the wild, accepts the sentinel demo signature, and
// issues settlement receipts.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	veyrun "github.com/veyrun/veyrun"
)

// paymentSchema validates the signed payment payload posted to /verify.
const paymentSchema = `{
  "type": "object",
  "required": ["url", "method", "amount", "asset", "chain", "recipient", "nonce", "payer"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string"},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "asset": {"type": "string", "minLength": 1},
    "chain": {"type": "string", "minLength": 1},
    "recipient": {"type": "string", "minLength": 1},
    "nonce": {"type": "string", "minLength": 1},
    "payer": {"type": "string", "minLength": 1},
    "issuedAt": {"type": "integer"}
  }
}`

const (
	payTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	network = "base-sepolia"
)

type server struct {
	schema *gojsonschema.Schema

	// mockReceipts stamps the reserved placeholder proof on receipts, the
	// way the hosted demo does. The agent must keep those out of history.
	mockReceipts bool
}

func main() {
	addr := flag.String("listen", "127.0.0.1:4021", "listen address")
	mock := flag.Bool("mock-receipts", false, "issue placeholder mock-proof receipts")
	flag.Parse()

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(paymentSchema))
	if err != nil {
		panic(fmt.Sprintf("payment schema: %v", err))
	}
	s := &server{schema: schema, mockReceipts: *mock}

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	// Each route challenges with a different requirement-header shape so
	// every decode path gets real traffic.
	r.GET("/api/article", s.paywalled(s.nativeChallenge("0.01", "Premium article")))
	r.GET("/api/report", s.paywalled(s.priceChallenge("$0.25", "Market report")))
	r.GET("/api/stream", s.paywalled(s.hybridChallenge("50000", "Stream access")))
	r.POST("/verify", s.handleVerify)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	if err := r.Run(*addr); err != nil {
		panic(err)
	}
}

// paywalled gates a resource behind a 402 challenge until a payment
// signature arrives.
func (s *server) paywalled(challenge func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		signature := c.GetHeader(veyrun.HeaderPaymentSignature)
		if signature == "" {
			c.Header(veyrun.HeaderPaymentRequired, challenge(c))
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment required"})
			return
		}
		if !s.acceptSignature(signature) {
			c.JSON(http.StatusForbidden, gin.H{"error": "signature rejected"})
			return
		}

		c.Header(veyrun.HeaderPaymentResponse, s.receiptFor(c))
		c.JSON(http.StatusOK, gin.H{
			"content":  "unlocked content for " + c.Request.URL.Path,
			"unlocked": true,
		})
	}
}

// acceptSignature takes the demo sentinel or any plausible hex signature.
// The sandbox does not verify cryptography; that is the facilitator's job
// in a real deployment.
func (s *server) acceptSignature(signature string) bool {
	return signature == veyrun.MockSignature || len(signature) >= 64
}

func (s *server) receiptFor(c *gin.Context) string {
	proof := "proof_" + uuid.NewString()
	if s.mockReceipts {
		proof = veyrun.MockProof
	}
	receipt := veyrun.ReceiptRecord{
		ReceiptID:  "rcpt_" + uuid.NewString()[:8],
		Proof:      proof,
		Network:    network,
		MerchantID: payTo,
		Resource:   c.Request.URL.Path,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(receipt)
	return base64.StdEncoding.EncodeToString(data)
}

// nativeChallenge emits the normalized shape, base64 encoded.
func (s *server) nativeChallenge(amount, description string) func(*gin.Context) string {
	return func(*gin.Context) string {
		body, _ := json.Marshal(map[string]any{
			"version": "1",
			"accepts": []map[string]any{{
				"amount":      amount,
				"asset":       "USDC",
				"recipient":   payTo,
				"chain":       network,
				"nonce":       "x402-" + strconv.FormatInt(time.Now().UnixMilli(), 10),
				"expiresAt":   time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339),
				"description": description,
			}},
		})
		return base64.StdEncoding.EncodeToString(body)
	}
}

// priceChallenge emits the facilitator price shape, percent-encoded over
// base64url the way some proxies mangle it.
func (s *server) priceChallenge(price, description string) func(*gin.Context) string {
	return func(*gin.Context) string {
		body, _ := json.Marshal(map[string]any{
			"x402Version": 1,
			"accepts": []map[string]any{{
				"price":       price,
				"payTo":       payTo,
				"network":     "eip155:84532",
				"description": description,
			}},
		})
		return url.PathEscape(base64.URLEncoding.EncodeToString(body))
	}
}

// hybridChallenge emits base-unit amounts against a contract address, the
// shape that needs decimal rescaling on the agent side.
func (s *server) hybridChallenge(baseUnits, description string) func(*gin.Context) string {
	return func(*gin.Context) string {
		body, _ := json.Marshal(map[string]any{
			"accepts": []map[string]any{{
				"asset":       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				"amount":      baseUnits,
				"pay_to":      payTo,
				"chain_id":    "84532",
				"description": description,
				"extra":       map[string]any{"decimals": 6},
			}},
		})
		return base64.StdEncoding.EncodeToString(body)
	}
}

// handleVerify checks a signed payment payload against the schema. It is
// the sandbox stand-in for a settlement facilitator.
func (s *server) handleVerify(c *gin.Context) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "malformed body"})
		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": err.Error()})
		return
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"valid": false, "errors": reasons})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}
