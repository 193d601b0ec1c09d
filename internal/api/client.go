package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/crypto"
	"dead-mans-switch/internal/ledger"
)

// APIError is a non 2xx answer from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s (request %s)", e.Status, e.Code, e.Message, e.RequestID)
}

// Client talks to the switch server. Mutating calls are signed with Key.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Key     ed25519.PrivateKey
	// Now is the clock used for request timestamps.
	Now func() time.Time
}

func NewClient(baseURL string, key ed25519.PrivateKey) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Key:     key,
		Now:     time.Now,
	}
}

// Identity is the account the client signs as
func (c *Client) Identity() core.Identity {
	return crypto.IdentityOf(c.Key.Public().(ed25519.PublicKey))
}

func (c *Client) CreateSwitch(ctx context.Context, beneficiary core.Identity, delay core.Tick) (*ContractResponse, error) {
	var out ContractResponse
	err := c.do(ctx, http.MethodPost, "/switches", true, CreateSwitchRequest{Beneficiary: beneficiary, Delay: delay}, &out)
	return &out, err
}

func (c *Client) Ping(ctx context.Context) (*ContractResponse, error) {
	var out ContractResponse
	err := c.do(ctx, http.MethodPost, "/switches/ping", true, nil, &out)
	return &out, err
}

func (c *Client) SetBeneficiary(ctx context.Context, beneficiary core.Identity) (*ContractResponse, error) {
	var out ContractResponse
	err := c.do(ctx, http.MethodPut, "/switches/beneficiary", true, UpdateBeneficiaryRequest{Beneficiary: beneficiary}, &out)
	return &out, err
}

func (c *Client) SetDelay(ctx context.Context, delay core.Tick) (*ContractResponse, error) {
	var out ContractResponse
	err := c.do(ctx, http.MethodPut, "/switches/delay", true, UpdateDelayRequest{Delay: delay}, &out)
	return &out, err
}

func (c *Client) Revoke(ctx context.Context, trustor core.Identity) (*RevokeResponse, error) {
	var out RevokeResponse
	err := c.do(ctx, http.MethodDelete, "/switches/"+url.PathEscape(string(trustor)), true, nil, &out)
	return &out, err
}

// Relay asks the server to execute call as trustor.
func (c *Client) Relay(ctx context.Context, trustor core.Identity, call Call) (*RelayResponse, error) {
	var out RelayResponse
	err := c.do(ctx, http.MethodPost, "/relay", true, RelayRequest{Trustor: trustor, Call: call}, &out)
	return &out, err
}

// Transfer relays a balances.transfer out of trustor's account.
func (c *Client) Transfer(ctx context.Context, trustor, dest core.Identity, value ledger.Balance) (*RelayResponse, error) {
	return c.Relay(ctx, trustor, TransferCall(dest, value))
}

func (c *Client) Status(ctx context.Context, trustor core.Identity) (*StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/switches/"+url.PathEscape(string(trustor)), false, nil, &out)
	return &out, err
}

func (c *Client) Trustors(ctx context.Context, beneficiary core.Identity) (*TrustorsResponse, error) {
	var out TrustorsResponse
	err := c.do(ctx, http.MethodGet, "/beneficiaries/"+url.PathEscape(string(beneficiary))+"/trustors", false, nil, &out)
	return &out, err
}

func (c *Client) Balance(ctx context.Context, account core.Identity) (*BalanceResponse, error) {
	var out BalanceResponse
	err := c.do(ctx, http.MethodGet, "/balances/"+url.PathEscape(string(account)), false, nil, &out)
	return &out, err
}

func (c *Client) Chain(ctx context.Context) (*ChainResponse, error) {
	var out ChainResponse
	err := c.do(ctx, http.MethodGet, "/chain", false, nil, &out)
	return &out, err
}

func (c *Client) do(ctx context.Context, method, path string, signed bool, payload any, result any) error {
	var body []byte
	if payload != nil {
		bz, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		body = bz
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.Key == nil {
			return fmt.Errorf("%s %s needs a signing key", method, path)
		}
		ts := c.Now().Unix()
		nonce := uuid.NewString()
		sig := crypto.SignRequest(c.Key, method, req.URL.Path, ts, nonce, body)
		req.Header.Set(HeaderIdentity, string(c.Identity()))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("network error (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(HeaderRequestID)}
		var envelope ErrorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}
