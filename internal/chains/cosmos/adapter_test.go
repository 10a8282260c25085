package cosmos

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	"go.uber.org/zap"

	"kinvault/offchain/internal/config"
)

func testAdapter() *Adapter {
	return &Adapter{
		cfg: &config.ChainConfig{
			Name:         "Sei",
			Bech32Prefix: "sei",
			TokenDenom:   "uusdc",
		},
		logger: zap.NewNop(),
	}
}

func TestMessageFromEvents(t *testing.T) {
	message := []byte{0x00, 0x00, 0x00, 0x01, 0xde, 0xad, 0xbe, 0xef}
	encoded := base64.StdEncoding.EncodeToString(message)

	tests := []struct {
		name    string
		events  []abcitypes.Event
		wantErr bool
	}{
		{
			name: "module event",
			events: []abcitypes.Event{
				{Type: "coin_spent"},
				{
					Type: "circle.cctp.v1.MessageSent",
					Attributes: []abcitypes.EventAttribute{
						{Key: "message", Value: encoded},
					},
				},
			},
		},
		{
			name: "wasm attribute",
			events: []abcitypes.Event{
				{
					Type: "wasm",
					Attributes: []abcitypes.EventAttribute{
						{Key: "action", Value: "deposit_for_burn"},
						{Key: "message", Value: encoded},
					},
				},
			},
		},
		{
			name: "quoted value",
			events: []abcitypes.Event{
				{
					Type: "circle.cctp.v1.MessageSent",
					Attributes: []abcitypes.EventAttribute{
						{Key: "message", Value: `"` + encoded + `"`},
					},
				},
			},
		},
		{
			name:    "no message event",
			events:  []abcitypes.Event{{Type: "coin_spent"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := messageFromEvents(tt.events)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, message) {
				t.Errorf("got %x, want %x", got, message)
			}
		})
	}
}

func TestEVMRecipientBytes32(t *testing.T) {
	got, err := evmRecipientBytes32("0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(got))
	}
	for i := 0; i < 12; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero padding at byte %d", i)
		}
	}
	if got[12] != 0x11 || got[31] != 0x11 {
		t.Error("address bytes not in low 20 bytes")
	}

	if _, err := evmRecipientBytes32("0x1234"); err == nil {
		t.Error("expected error for short address")
	}
	if _, err := evmRecipientBytes32("not-hex"); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func TestParseAddress(t *testing.T) {
	a := testAdapter()

	data, err := bech32.ConvertBits(bytes.Repeat([]byte{0x42}, 20), 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	seiAddr, err := bech32.Encode("sei", data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	otherAddr, err := bech32.Encode("cosmos", data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := a.ParseAddress(seiAddr); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	if _, err := a.ParseAddress(otherAddr); err == nil {
		t.Error("wrong prefix accepted")
	}
	if _, err := a.ParseAddress("0x1111111111111111111111111111111111111111"); err == nil {
		t.Error("hex address accepted as bech32")
	}
}
