package cosmos

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/btcsuite/btcutil/bech32"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/config"
)

const burnWaitTimeout = 90 * time.Second

// Adapter drives burn submissions on a CosmWasm chain. Mints always land
// on the EVM destination, so SubmitMint is rejected here.
type Adapter struct {
	client *Client
	cfg    *config.ChainConfig
	logger *zap.Logger
}

var _ chains.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter for a Cosmos chain
func NewAdapter(chainCfg *config.ChainConfig, operatorMnemonic string, logger *zap.Logger) (*Adapter, error) {
	client, err := NewClient(chainCfg, operatorMnemonic, logger)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, cfg: chainCfg, logger: logger}, nil
}

func (a *Adapter) Name() string               { return a.cfg.Name }
func (a *Adapter) Family() config.ChainFamily { return config.FamilyCosmos }
func (a *Adapter) Close()                     { _ = a.client.Close() }

type depositForBurnMsg struct {
	DepositForBurn struct {
		Amount            string `json:"amount"`
		DestinationDomain uint32 `json:"destination_domain"`
		MintRecipient     string `json:"mint_recipient"`
		BurnToken         string `json:"burn_token"`
	} `json:"deposit_for_burn"`
}

// SubmitBurn executes deposit_for_burn on the token messenger contract and
// extracts the bridge message from the transaction events
func (a *Adapter) SubmitBurn(ctx context.Context, req *chains.BurnRequest) (*chains.BurnResult, error) {
	recipient, err := evmRecipientBytes32(req.MintRecipient)
	if err != nil {
		return nil, err
	}

	var msg depositForBurnMsg
	msg.DepositForBurn.Amount = req.Amount.String()
	msg.DepositForBurn.DestinationDomain = req.DestinationDomain
	msg.DepositForBurn.MintRecipient = base64.StdEncoding.EncodeToString(recipient)
	msg.DepositForBurn.BurnToken = a.cfg.TokenDenom

	amount, ok := math.NewIntFromString(req.Amount.String())
	if !ok {
		return nil, fmt.Errorf("invalid burn amount %s", req.Amount)
	}
	funds := sdk.NewCoins(sdk.NewCoin(a.cfg.TokenDenom, amount))

	txHash, err := a.client.ExecuteContract(ctx, a.cfg.TokenMessenger, msg, funds)
	if err != nil {
		return nil, fmt.Errorf("burn failed: %w", err)
	}

	events, err := a.client.WaitForTx(ctx, txHash, burnWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("burn not confirmed: %w", err)
	}

	messageBytes, err := messageFromEvents(events)
	if err != nil {
		return nil, fmt.Errorf("burn tx %s: %w", txHash, err)
	}

	nonce, err := chains.MessageNonce(messageBytes)
	if err != nil {
		return nil, err
	}

	result := &chains.BurnResult{
		TxRef:        txHash,
		BurnNonce:    nonce,
		MessageBytes: messageBytes,
		MessageHash:  chains.MessageHash(messageBytes),
	}

	a.logger.Info("Burn confirmed",
		zap.String("chain", a.cfg.Name),
		zap.String("tx_hash", txHash),
		zap.Uint64("burn_nonce", nonce),
		zap.String("message_hash", result.MessageHash))

	return result, nil
}

// SubmitMint is not supported: mints settle on the EVM destination chain
func (a *Adapter) SubmitMint(ctx context.Context, messageBytes, attestation []byte) (string, error) {
	return "", fmt.Errorf("chain %s cannot receive mints", a.cfg.Name)
}

// Balance returns the bridged-token balance of an address
func (a *Adapter) Balance(ctx context.Context, address string) (*big.Int, error) {
	canonical, err := a.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	coin, err := a.client.GetBalance(ctx, canonical, a.cfg.TokenDenom)
	if err != nil {
		return nil, err
	}
	return coin.Amount.BigInt(), nil
}

// ParseAddress validates a bech32 address against the chain's prefix
func (a *Adapter) ParseAddress(address string) (string, error) {
	hrp, _, err := bech32.Decode(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q for chain %s: %w", address, a.cfg.Name, err)
	}
	if hrp != a.cfg.Bech32Prefix {
		return "", fmt.Errorf("address %q has prefix %q, chain %s expects %q",
			address, hrp, a.cfg.Name, a.cfg.Bech32Prefix)
	}
	return address, nil
}

// messageFromEvents finds the bridge message attribute in transaction
// events. The message module emits it under its own event type; older
// contract versions surface it as a wasm attribute.
func messageFromEvents(events []abcitypes.Event) ([]byte, error) {
	for _, event := range events {
		if !strings.HasSuffix(event.Type, "MessageSent") && event.Type != "wasm" {
			continue
		}
		for _, attr := range event.Attributes {
			if string(attr.Key) != "message" {
				continue
			}
			value := strings.Trim(string(attr.Value), `"`)
			if raw, err := base64.StdEncoding.DecodeString(value); err == nil {
				return raw, nil
			}
			if raw, err := hex.DecodeString(strings.TrimPrefix(value, "0x")); err == nil {
				return raw, nil
			}
			return nil, fmt.Errorf("message attribute has unknown encoding")
		}
	}
	return nil, fmt.Errorf("no message event found")
}

// evmRecipientBytes32 left-pads a 20-byte EVM address to the 32-byte
// recipient format the bridge expects
func evmRecipientBytes32(address string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(address, "0x"))
	if err != nil || len(raw) != 20 {
		return nil, fmt.Errorf("invalid mint recipient %q", address)
	}
	padded := make([]byte, 32)
	copy(padded[12:], raw)
	return padded, nil
}
