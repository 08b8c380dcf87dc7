package asset

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewayClient talks to an external asset-gateway service over HTTP/JSON.
// The gateway executes transfers against the real asset ledger on behalf of
// the configured custody account.
type GatewayClient struct {
	client  *resty.Client
	custody string
}

func NewGatewayClient(baseURL, custodyAccount string) *GatewayClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)

	return &GatewayClient{
		client:  client,
		custody: custodyAccount,
	}
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type transferResponse struct {
	Received int64  `json:"received"`
	Error    string `json:"error,omitempty"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

func (g *GatewayClient) TransferIn(ctx context.Context, holder string, amount int64) (int64, error) {
	var out transferResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(transferRequest{From: holder, To: g.custody, Amount: amount}).
		SetResult(&out).
		Post("/v1/transfers")
	if err != nil {
		return 0, fmt.Errorf("gateway transfer in: %w", err)
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("gateway transfer in: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Received, nil
}

func (g *GatewayClient) TransferOut(ctx context.Context, holder string, amount int64) error {
	var out transferResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(transferRequest{From: g.custody, To: holder, Amount: amount}).
		SetResult(&out).
		Post("/v1/transfers")
	if err != nil {
		return fmt.Errorf("gateway transfer out: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("gateway transfer out: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (g *GatewayClient) BalanceOf(ctx context.Context, holder string) (int64, error) {
	var out balanceResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/balances/" + holder)
	if err != nil {
		return 0, fmt.Errorf("gateway balance: %w", err)
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("gateway balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Balance, nil
}
