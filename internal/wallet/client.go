// Package wallet is the REST client for the embedded wallet engine — the
// collaborator that owns keys, signing, balances, and the quorum wire
// protocol. Everything here is transport; no purchase semantics.
package wallet

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inferonet/creditpack/internal/ledger"
	"github.com/inferonet/creditpack/internal/purchase"
)

// Client is an authenticated wallet-engine REST client. It satisfies the
// collaborator interfaces in internal/purchase and internal/ledger.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Negotiation long-polls; no client-side timeout here. Callers bound
		// requests with their context.
		http: &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// get runs a GET and decodes the JSON response into out, mapping engine
// status codes onto the purchase error taxonomy.
func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, path); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response, path string) error {
	switch {
	case resp.StatusCode == http.StatusLocked:
		return purchase.ErrWalletLocked
	case resp.StatusCode >= 300:
		return fmt.Errorf("wallet engine %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// ── Wallet operations ────────────────────────────────────────────────────────

// EnsureUnlocked reports purchase.ErrWalletLocked while the engine cannot sign.
func (c *Client) EnsureUnlocked(ctx context.Context) error {
	var out struct {
		Locked bool `json:"locked"`
	}
	if err := c.get(ctx, "/api/v1/wallet/status", &out); err != nil {
		return err
	}
	if out.Locked {
		return purchase.ErrWalletLocked
	}
	return nil
}

func (c *Client) SpendableBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.get(ctx, "/api/v1/wallet/balance", &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (c *Client) CreateAddress(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/wallet/addresses", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "/api/v1/wallet/addresses"); err != nil {
		return "", err
	}
	var out struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *Client) TopFundedAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.get(ctx, "/api/v1/wallet/addresses/top", &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *Client) SendFunds(ctx context.Context, to string, amount decimal.Decimal, from string) (string, error) {
	body := map[string]any{"to": to, "amount": amount, "from": from}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/wallet/send", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "/api/v1/wallet/send"); err != nil {
		return "", err
	}
	var out struct {
		TxID string `json:"txid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TxID, nil
}

func (c *Client) AddressBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.get(ctx, "/api/v1/wallet/addresses/"+addr+"/balance", &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// ── Oracle / chain ───────────────────────────────────────────────────────────

func (c *Client) PerCreditPrice(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		PerCreditPrice decimal.Decimal `json:"per_credit_price"`
	}
	if err := c.get(ctx, "/api/v1/oracle/credit-price", &out); err != nil {
		return decimal.Zero, err
	}
	return out.PerCreditPrice, nil
}

func (c *Client) LedgerHeight(ctx context.Context) (int64, error) {
	var out struct {
		Height int64 `json:"height"`
	}
	if err := c.get(ctx, "/api/v1/chain/height", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *Client) IsRegistrationConfirmed(ctx context.Context, txid string) (bool, error) {
	var out struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := c.get(ctx, "/api/v1/registrations/"+txid, &out); err != nil {
		return false, err
	}
	return out.Confirmed, nil
}

func (c *Client) ListValidCreditPacks(ctx context.Context) ([]ledger.CreditPack, error) {
	var out []ledger.CreditPack
	if err := c.get(ctx, "/api/v1/credit-packs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── Negotiation ──────────────────────────────────────────────────────────────

// negotiationEvent is one line of the engine's newline-delimited JSON stream.
type negotiationEvent struct {
	Event   string           `json:"event"` // "progress" | "result" | "error"
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Result  *purchase.Result `json:"result,omitempty"`
}

// Negotiate hands the funded request to the engine, which runs the quorum
// protocol. Progress lines stream back and are forwarded to the sink
// verbatim; the final line carries the result or the failure.
func (c *Client) Negotiate(ctx context.Context, req purchase.Request, sink purchase.StatusSink) (*purchase.Result, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/purchases/negotiate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "/api/v1/purchases/negotiate"); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev negotiationEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed negotiation event: %w", err)
		}
		switch ev.Event {
		case "progress":
			if sink != nil {
				sink(ev.Message)
			}
		case "result":
			if ev.Result == nil {
				return nil, errors.New("negotiation result event without payload")
			}
			return ev.Result, nil
		case "error":
			return nil, errors.New(ev.Error)
		default:
			return nil, fmt.Errorf("unknown negotiation event %q", ev.Event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("negotiation stream: %w", err)
	}
	return nil, errors.New("negotiation stream ended without a result")
}

// WaitReady polls the engine's status endpoint until it answers or the
// deadline passes. Startup convenience for cmd binaries.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := c.EnsureUnlocked(ctx)
		if err == nil || errors.Is(err, purchase.ErrWalletLocked) {
			return nil // engine is answering, locked or not
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wallet engine not ready: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
