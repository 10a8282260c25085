package cosmos

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cosmossdk.io/math"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/codec"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"go.uber.org/zap"

	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"

	"kinvault/offchain/internal/config"
)

const (
	CoinType        = 118
	DefaultGasLimit = 500000
)

// Client wraps Cosmos SDK client functionality for a CosmWasm chain
type Client struct {
	rpcClient    *rpchttp.HTTP
	restEndpoint string
	cdc          codec.Codec
	txConfig     client.TxConfig
	keyring      keyring.Keyring
	operatorAddr sdk.AccAddress
	pubKey       cryptotypes.PubKey
	chainID      string
	gasPrice     sdk.DecCoin
	cfg          *config.ChainConfig
	logger       *zap.Logger
}

// NewClient creates a new Cosmos client for the configured chain
func NewClient(cfg *config.ChainConfig, operatorMnemonic string, logger *zap.Logger) (*Client, error) {
	prefix := cfg.Bech32Prefix
	sdkConfig := sdk.GetConfig()
	sdkConfig.SetBech32PrefixForAccount(prefix, prefix+"pub")
	sdkConfig.SetBech32PrefixForValidator(prefix+"valoper", prefix+"valoperpub")
	sdkConfig.SetBech32PrefixForConsensusNode(prefix+"valcons", prefix+"valconspub")

	rpcClient, err := rpchttp.New(cfg.RPCEndpoint, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	status, err := rpcClient.Status(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain status: %w", err)
	}
	chainID := status.NodeInfo.Network

	gasPrice, err := sdk.ParseDecCoin(cfg.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid gas price %q: %w", cfg.GasPrice, err)
	}

	interfaceRegistry := codectypes.NewInterfaceRegistry()
	cryptocodec.RegisterInterfaces(interfaceRegistry)
	authtypes.RegisterInterfaces(interfaceRegistry)
	banktypes.RegisterInterfaces(interfaceRegistry)
	wasmtypes.RegisterInterfaces(interfaceRegistry)
	cdc := codec.NewProtoCodec(interfaceRegistry)

	txConfig := authtx.NewTxConfig(cdc, authtx.DefaultSignModes)

	kr := keyring.NewInMemory(cdc)

	hdPath := hd.CreateHDPath(CoinType, 0, 0).String()
	record, err := kr.NewAccount("operator", operatorMnemonic, "", hdPath, hd.Secp256k1)
	if err != nil {
		return nil, fmt.Errorf("failed to create key from mnemonic: %w", err)
	}

	pubKey, err := record.GetPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	operatorAddr := sdk.AccAddress(pubKey.Address())

	restEndpoint := cfg.RESTEndpoint
	if restEndpoint == "" {
		// Fallback: derive from RPC endpoint (works for standard Cosmos port layouts)
		restEndpoint = strings.Replace(cfg.RPCEndpoint, ":26657", ":1317", 1)
	}

	logger.Info("Cosmos client initialized",
		zap.String("chain_name", cfg.Name),
		zap.String("chain_id", chainID),
		zap.String("rpc_endpoint", cfg.RPCEndpoint),
		zap.String("operator_address", operatorAddr.String()))

	return &Client{
		rpcClient:    rpcClient,
		restEndpoint: restEndpoint,
		cdc:          cdc,
		txConfig:     txConfig,
		keyring:      kr,
		operatorAddr: operatorAddr,
		pubKey:       pubKey,
		chainID:      chainID,
		gasPrice:     gasPrice,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

// Close closes the RPC client connection
func (c *Client) Close() error {
	return c.rpcClient.Stop()
}

// OperatorAddress returns the operator's address
func (c *Client) OperatorAddress() sdk.AccAddress {
	return c.operatorAddr
}

// ChainID returns the chain ID
func (c *Client) ChainID() string {
	return c.chainID
}

// GetBalance returns the balance of a specific denom for an address via REST API
func (c *Client) GetBalance(ctx context.Context, address string, denom string) (sdk.Coin, error) {
	url := fmt.Sprintf("%s/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s",
		c.restEndpoint, address, denom)

	resp, err := http.Get(url)
	if err != nil {
		return sdk.Coin{}, fmt.Errorf("failed to query balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return sdk.Coin{}, fmt.Errorf("balance query failed: %s", string(body))
	}

	var result struct {
		Balance struct {
			Denom  string `json:"denom"`
			Amount string `json:"amount"`
		} `json:"balance"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return sdk.Coin{}, fmt.Errorf("failed to decode balance response: %w", err)
	}

	amount, ok := math.NewIntFromString(result.Balance.Amount)
	if !ok {
		return sdk.NewCoin(denom, math.ZeroInt()), nil
	}

	return sdk.NewCoin(result.Balance.Denom, amount), nil
}

// GetAccountInfo returns account number and sequence for transaction signing
func (c *Client) GetAccountInfo(ctx context.Context, address string) (uint64, uint64, error) {
	url := fmt.Sprintf("%s/cosmos/auth/v1beta1/accounts/%s", c.restEndpoint, address)

	resp, err := http.Get(url)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, 0, fmt.Errorf("account query failed: %s", string(body))
	}

	var result struct {
		Account struct {
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
		} `json:"account"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, 0, fmt.Errorf("failed to decode account response: %w", err)
	}

	var accountNum, sequence uint64
	fmt.Sscanf(result.Account.AccountNumber, "%d", &accountNum)
	fmt.Sscanf(result.Account.Sequence, "%d", &sequence)

	return accountNum, sequence, nil
}

// QueryContract queries a CosmWasm contract via REST API
func (c *Client) QueryContract(ctx context.Context, contractAddr string, queryMsg interface{}) ([]byte, error) {
	queryMsgBytes, err := json.Marshal(queryMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query message: %w", err)
	}

	queryBase64 := base64.StdEncoding.EncodeToString(queryMsgBytes)

	url := fmt.Sprintf("%s/cosmwasm/wasm/v1/contract/%s/smart/%s",
		c.restEndpoint, contractAddr, queryBase64)

	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to query contract: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("contract query failed: %s", string(body))
	}

	var result struct {
		Data json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode contract response: %w", err)
	}

	return result.Data, nil
}

// ExecuteContract executes a CosmWasm contract message
func (c *Client) ExecuteContract(
	ctx context.Context,
	contractAddr string,
	executeMsg interface{},
	funds sdk.Coins,
) (string, error) {
	executeMsgBytes, err := json.Marshal(executeMsg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execute message: %w", err)
	}

	msg := &wasmtypes.MsgExecuteContract{
		Sender:   c.operatorAddr.String(),
		Contract: contractAddr,
		Msg:      executeMsgBytes,
		Funds:    funds,
	}

	return c.SignAndBroadcast(ctx, msg)
}

// SignAndBroadcast signs and broadcasts a transaction using cosmos-sdk tx builder
func (c *Client) SignAndBroadcast(ctx context.Context, msgs ...sdk.Msg) (string, error) {
	accountNum, sequence, err := c.GetAccountInfo(ctx, c.operatorAddr.String())
	if err != nil {
		return "", fmt.Errorf("failed to get account info: %w", err)
	}

	txBuilder := c.txConfig.NewTxBuilder()

	if err := txBuilder.SetMsgs(msgs...); err != nil {
		return "", fmt.Errorf("failed to set messages: %w", err)
	}

	txBuilder.SetGasLimit(DefaultGasLimit)
	feeAmount := c.gasPrice.Amount.MulInt64(DefaultGasLimit).TruncateInt()
	txBuilder.SetFeeAmount(sdk.NewCoins(sdk.NewCoin(c.gasPrice.Denom, feeAmount)))
	txBuilder.SetMemo("")

	sigV2 := signing.SignatureV2{
		PubKey: c.pubKey,
		Data: &signing.SingleSignatureData{
			SignMode:  signing.SignMode_SIGN_MODE_DIRECT,
			Signature: nil,
		},
		Sequence: sequence,
	}

	// Placeholder signature first so sign bytes cover the full tx
	if err := txBuilder.SetSignatures(sigV2); err != nil {
		return "", fmt.Errorf("failed to set signature placeholder: %w", err)
	}

	signerData := authsigning.SignerData{
		ChainID:       c.chainID,
		AccountNumber: accountNum,
		Sequence:      sequence,
	}

	signBytes, err := authsigning.GetSignBytesAdapter(
		ctx,
		c.txConfig.SignModeHandler(),
		signing.SignMode_SIGN_MODE_DIRECT,
		signerData,
		txBuilder.GetTx(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to get sign bytes: %w", err)
	}

	sigBytes, _, err := c.keyring.Sign("operator", signBytes, signing.SignMode_SIGN_MODE_DIRECT)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sigV2.Data = &signing.SingleSignatureData{
		SignMode:  signing.SignMode_SIGN_MODE_DIRECT,
		Signature: sigBytes,
	}

	if err := txBuilder.SetSignatures(sigV2); err != nil {
		return "", fmt.Errorf("failed to set final signature: %w", err)
	}

	txBytes, err := c.txConfig.TxEncoder()(txBuilder.GetTx())
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}

	resp, err := c.rpcClient.BroadcastTxSync(ctx, txBytes)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	if resp.Code != 0 {
		return "", fmt.Errorf("transaction failed with code %d: %s", resp.Code, resp.Log)
	}

	txHash := strings.ToUpper(hex.EncodeToString(resp.Hash))
	c.logger.Info("Transaction broadcast successfully",
		zap.String("chain", c.cfg.Name),
		zap.String("tx_hash", txHash),
		zap.Uint64("account_number", accountNum),
		zap.Uint64("sequence", sequence))

	return txHash, nil
}

// WaitForTx waits for a transaction to be included in a block and returns
// its events
func (c *Client) WaitForTx(ctx context.Context, txHash string, timeout time.Duration) ([]abcitypes.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	hashBytes, err := hex.DecodeString(txHash)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hash: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash)
		case <-ticker.C:
			result, err := c.rpcClient.Tx(ctx, hashBytes, false)
			if err != nil {
				continue // Transaction not found yet
			}

			if result.TxResult.Code != 0 {
				return nil, fmt.Errorf("transaction failed with code %d: %s", result.TxResult.Code, result.TxResult.Log)
			}

			c.logger.Info("Transaction confirmed",
				zap.String("tx_hash", txHash),
				zap.Int64("height", result.Height))

			return result.TxResult.Events, nil
		}
	}
}
