package binancepay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"signalbot/internal/metrics"
	"signalbot/internal/payment"
)

const (
	DefaultBaseURL = "https://bpay.binanceapi.com"

	createOrderPath = "/binancepay/openapi/v2/order"
	queryOrderPath  = "/binancepay/openapi/v2/order/query"

	codeOrderNotFound = "400202"
	statusSuccess     = "SUCCESS"
	nonceLetters      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Order statuses reported by the merchant API.
const (
	StatusInitial  = "INITIAL"
	StatusPending  = "PENDING"
	StatusPaid     = "PAID"
	StatusCanceled = "CANCELED"
	StatusError    = "ERROR"
	StatusRefunded = "REFUNDED"
	StatusExpired  = "EXPIRED"
)

// APIError is a non-success envelope from the merchant API.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance pay error %s: %s", e.Code, e.Message)
}

type OrderRequest struct {
	TradeNo     string
	Amount      decimal.Decimal
	Currency    string
	PlanID      string
	Description string
}

type Order struct {
	TradeNo     string
	PrepayID    string
	CheckoutURL string
}

type OrderStatus struct {
	TradeNo  string
	Status   string
	Amount   decimal.Decimal
	Currency string
}

type envelope struct {
	Status       string          `json:"status"`
	Code         string          `json:"code"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"errorMessage"`
}

// Client signs requests to the Binance Pay merchant API.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
	nonce      func() (string, error)
}

func NewClient(baseURL, apiKey, secretKey string, httpClient *http.Client, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: httpClient,
		now:        time.Now,
		nonce:      randomNonce,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-pay",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || errors.Is(err, payment.ErrOrderNotFound) || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body := map[string]any{
		"env":             map[string]string{"terminalType": "WEB"},
		"merchantTradeNo": req.TradeNo,
		"orderAmount":     json.Number(req.Amount.StringFixed(2)),
		"currency":        req.Currency,
		"description":     req.Description,
		"goodsDetails": []map[string]string{{
			"goodsType":        "02",
			"goodsCategory":    "Z000",
			"referenceGoodsId": req.PlanID,
			"goodsName":        req.Description,
		}},
	}
	var data struct {
		PrepayID    string `json:"prepayId"`
		CheckoutURL string `json:"checkoutUrl"`
	}
	if err := c.post(ctx, createOrderPath, body, &data); err != nil {
		return nil, err
	}
	return &Order{TradeNo: req.TradeNo, PrepayID: data.PrepayID, CheckoutURL: data.CheckoutURL}, nil
}

// GetOrder returns payment.ErrOrderNotFound for unknown trade numbers.
func (c *Client) GetOrder(ctx context.Context, tradeNo string) (*OrderStatus, error) {
	var data struct {
		MerchantTradeNo string          `json:"merchantTradeNo"`
		Status          string          `json:"status"`
		OrderAmount     json.RawMessage `json:"orderAmount"`
		Currency        string          `json:"currency"`
	}
	if err := c.post(ctx, queryOrderPath, map[string]string{"merchantTradeNo": tradeNo}, &data); err != nil {
		return nil, err
	}
	out := &OrderStatus{TradeNo: tradeNo, Status: data.Status, Currency: data.Currency}
	// the amount arrives as a string or a number depending on API version
	if raw := strings.Trim(string(data.OrderAmount), `"`); raw != "" && raw != "null" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("order amount %q: %w", raw, err)
		}
		out.Amount = amount
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	start := time.Now()
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, payload, out)
	})
	metrics.ObserveUpstream("binance_pay", path, time.Since(start).Seconds(), err)
	return err
}

func (c *Client) do(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	nonce, err := c.nonce()
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("BinancePay-Timestamp", timestamp)
	req.Header.Set("BinancePay-Nonce", nonce)
	req.Header.Set("BinancePay-Certificate-SN", c.apiKey)
	req.Header.Set("BinancePay-Signature", Sign(c.secretKey, timestamp, nonce, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Code == codeOrderNotFound {
		return payment.ErrOrderNotFound
	}
	if env.Status != statusSuccess {
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, env.ErrorMessage)
		}
		return &APIError{Code: env.Code, Message: env.ErrorMessage}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// Sign computes the request signature: uppercase hex HMAC-SHA512 of
// "timestamp\nnonce\nbody\n".
func Sign(secret, timestamp, nonce string, body []byte) string {
	h := hmac.New(sha512.New, []byte(secret))
	h.Write([]byte(timestamp + "\n" + nonce + "\n"))
	h.Write(body)
	h.Write([]byte("\n"))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func randomNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = nonceLetters[int(b)%len(nonceLetters)]
	}
	return string(buf), nil
}
