package attestation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Attestation service statuses
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

var (
	// ErrAttestationTimeout means the polling window closed without a
	// decision from the service. Transient: the caller may poll again.
	ErrAttestationTimeout = errors.New("attestation polling timed out")

	// ErrAttestationFailed means the service rejected the message.
	// Terminal: re-polling the same messageHash will not help.
	ErrAttestationFailed = errors.New("attestation service reported failure")
)

// Client polls the attestation service for signed burn attestations
type Client struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewClient creates an attestation service client
func NewClient(baseURL, apiKey string, pollInterval time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		pollInterval: pollInterval,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type attestationResponse struct {
	Status      string `json:"status"`
	Attestation string `json:"attestation"`
}

// Await polls GET {base}/attestations/{messageHash} until the service
// reports complete or failed, or the window elapses. Network errors and
// unknown statuses mean "not ready yet" and are re-polled; only an explicit
// status=failed is terminal. The returned bytes are opaque and passed
// through unmodified to the destination chain.
func (c *Client) Await(ctx context.Context, messageHash string, window time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	// First attempt immediately, then on each tick
	for {
		att, done, err := c.poll(ctx, messageHash)
		if err != nil {
			return nil, err
		}
		if done {
			return att, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrAttestationTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll performs one lookup. done=false means not ready yet.
func (c *Client) poll(ctx context.Context, messageHash string) (attestation []byte, done bool, err error) {
	url := fmt.Sprintf("%s/attestations/%s", c.baseURL, messageHash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Unreachable endpoint is "not ready", never "failed"
		c.logger.Debug("Attestation service unreachable, will re-poll",
			zap.String("message_hash", messageHash),
			zap.Error(err))
		return nil, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.logger.Debug("Attestation not ready",
			zap.String("message_hash", messageHash),
			zap.Int("status_code", resp.StatusCode))
		return nil, false, nil
	}

	var result attestationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Debug("Malformed attestation response, will re-poll",
			zap.String("message_hash", messageHash),
			zap.Error(err))
		return nil, false, nil
	}

	switch result.Status {
	case StatusComplete:
		if result.Attestation == "" {
			return nil, false, nil
		}
		raw, err := decodeHex(result.Attestation)
		if err != nil {
			return nil, false, fmt.Errorf("invalid attestation encoding: %w", err)
		}
		return raw, true, nil
	case StatusFailed:
		return nil, false, fmt.Errorf("%w: message %s", ErrAttestationFailed, messageHash)
	default:
		return nil, false, nil
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
