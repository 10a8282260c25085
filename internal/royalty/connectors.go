package royalty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Accrual is one account's pending royalties on a source chain. Account
// is the destination-chain payout address registered for the creator, not
// a source-chain address: it is what settlement transfers pay out to.
type Accrual struct {
	Account string `json:"account"`
	Amount  string `json:"amount"` // decimal string, base units
}

// Connector reads pending royalties from one source chain. Implementations
// must not invent balances: on any failure the caller falls back to the
// last known snapshot, or zero.
type Connector interface {
	Chain() string
	PendingRoyalties(ctx context.Context) ([]Accrual, error)
}

// SeiConnector reads accrued royalties from the Sei royalty contract's
// REST query endpoint. The contract keys accruals by each creator's
// registered payout address on the vault chain.
type SeiConnector struct {
	endpoint   string
	httpClient *http.Client
}

func NewSeiConnector(endpoint string) *SeiConnector {
	return &SeiConnector{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *SeiConnector) Chain() string { return "Sei" }

func (c *SeiConnector) PendingRoyalties(ctx context.Context) ([]Accrual, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/vaultState", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault state query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("vault state query returned %d", resp.StatusCode)
	}

	var result struct {
		RoyaltiesAccrued []Accrual `json:"royalties_accrued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode vault state: %w", err)
	}

	return result.RoyaltiesAccrued, nil
}

// HyperliquidConnector reads accrued rewards from the Hyperliquid info API
type HyperliquidConnector struct {
	apiURL     string
	vault      string
	httpClient *http.Client
}

func NewHyperliquidConnector(apiURL, vault string) *HyperliquidConnector {
	return &HyperliquidConnector{
		apiURL:     apiURL,
		vault:      vault,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HyperliquidConnector) Chain() string { return "Hyperliquid" }

func (c *HyperliquidConnector) PendingRoyalties(ctx context.Context) ([]Accrual, error) {
	body, err := json.Marshal(map[string]string{
		"type":         "vaultDetails",
		"vaultAddress": c.vault,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault details query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("vault details query returned %d", resp.StatusCode)
	}

	var result struct {
		Followers []struct {
			User           string `json:"user"`
			AllTimeRewards string `json:"allTimeRewards"`
		} `json:"followers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode vault details: %w", err)
	}

	accruals := make([]Accrual, 0, len(result.Followers))
	for _, f := range result.Followers {
		if f.AllTimeRewards == "" || f.AllTimeRewards == "0" {
			continue
		}
		accruals = append(accruals, Accrual{Account: f.User, Amount: f.AllTimeRewards})
	}
	return accruals, nil
}
