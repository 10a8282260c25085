package royalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestSeiConnectorParsesVaultState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vaultState" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"royalties_accrued":[{"account":"0x00000000000000000000000000000000000000aa","amount":"1000000"},{"account":"0x00000000000000000000000000000000000000bb","amount":"250"}]}`)
	}))
	defer server.Close()

	conn := NewSeiConnector(server.URL)

	accruals, err := conn.PendingRoyalties(context.Background())
	if err != nil {
		t.Fatalf("pending royalties: %v", err)
	}
	if len(accruals) != 2 {
		t.Fatalf("expected 2 accruals, got %d", len(accruals))
	}
	if accruals[0].Account != "0x00000000000000000000000000000000000000aa" || accruals[0].Amount != "1000000" {
		t.Errorf("unexpected first accrual: %+v", accruals[0])
	}
}

func TestHyperliquidConnectorParsesFollowers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["type"] != "vaultDetails" || body["vaultAddress"] != "0xVault" {
			t.Errorf("unexpected request body: %v", body)
		}
		fmt.Fprint(w, `{"followers":[
			{"user":"0xA","allTimeRewards":"500"},
			{"user":"0xB","allTimeRewards":"0"},
			{"user":"0xC","allTimeRewards":"125"}]}`)
	}))
	defer server.Close()

	conn := NewHyperliquidConnector(server.URL, "0xVault")

	accruals, err := conn.PendingRoyalties(context.Background())
	if err != nil {
		t.Fatalf("pending royalties: %v", err)
	}
	if len(accruals) != 2 {
		t.Fatalf("expected 2 non-zero accruals, got %d", len(accruals))
	}
	if accruals[0].Account != "0xA" || accruals[0].Amount != "500" {
		t.Errorf("unexpected first accrual: %+v", accruals[0])
	}
}

// flakyConnector fails until healthy is set
type flakyConnector struct {
	healthy  bool
	accruals []Accrual
}

func (c *flakyConnector) Chain() string { return "Sei" }

func (c *flakyConnector) PendingRoyalties(ctx context.Context) ([]Accrual, error) {
	if !c.healthy {
		return nil, errors.New("connection refused")
	}
	return c.accruals, nil
}

func TestAggregatorZeroWhenNeverAnswered(t *testing.T) {
	conn := &flakyConnector{healthy: false}
	agg := NewAggregator([]Connector{conn}, nil, zap.NewNop())

	snapshot := agg.Snapshot(context.Background())
	got := snapshot["Sei"]
	if got.Total != "0" {
		t.Errorf("total = %s, want 0", got.Total)
	}
	if !got.Stale {
		t.Error("expected stale marker for failed source")
	}
}

func TestAggregatorServesLastKnownGood(t *testing.T) {
	conn := &flakyConnector{
		healthy:  true,
		accruals: []Accrual{{Account: "0xaa", Amount: "1000"}, {Account: "0xbb", Amount: "500"}},
	}
	agg := NewAggregator([]Connector{conn}, nil, zap.NewNop())
	ctx := context.Background()

	fresh := agg.Snapshot(ctx)["Sei"]
	if fresh.Total != "1500" {
		t.Fatalf("total = %s, want 1500", fresh.Total)
	}
	if fresh.Stale {
		t.Error("healthy source marked stale")
	}

	conn.healthy = false
	stale := agg.Snapshot(ctx)["Sei"]
	if stale.Total != "1500" {
		t.Errorf("stale total = %s, want last good 1500", stale.Total)
	}
	if !stale.Stale {
		t.Error("snapshot from failed source not marked stale")
	}
}

func TestAggregatorPendingUnknownChain(t *testing.T) {
	agg := NewAggregator(nil, nil, zap.NewNop())

	if _, ok := agg.Pending(context.Background(), "Solana"); ok {
		t.Error("unknown chain reported as known")
	}
}

func TestSumAccrualsSkipsInvalid(t *testing.T) {
	total := sumAccruals([]Accrual{
		{Account: "a", Amount: "100"},
		{Account: "b", Amount: "not-a-number"},
		{Account: "c", Amount: "-50"},
		{Account: "d", Amount: "23"},
	})
	if total != "123" {
		t.Errorf("total = %s, want 123", total)
	}
}
