package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"kinvault/offchain/internal/config"
)

// Client wraps Ethereum client functionality for interacting with EVM chains
type Client struct {
	ethClient   *ethclient.Client
	chainConfig *config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	logger      *zap.Logger
}

// NewClient creates a new EVM client for the specified chain
func NewClient(chainCfg *config.ChainConfig, operatorPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	privateKeyHex := strings.TrimPrefix(operatorPrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	fromAddress := crypto.PubkeyToAddress(*publicKeyECDSA)

	logger.Info("EVM client initialized",
		zap.String("chain_name", chainCfg.Name),
		zap.String("rpc_endpoint", chainCfg.RPCEndpoint),
		zap.String("operator_address", fromAddress.Hex()))

	return &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		privateKey:  privateKey,
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// OperatorAddress returns the operator's address
func (c *Client) OperatorAddress() common.Address {
	return c.fromAddress
}

// TokenBalance returns the bridged-token balance of an address
func (c *Client) TokenBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	tokenAddress := common.HexToAddress(c.chainConfig.TokenAddress)

	// ERC20 balanceOf(address) selector: 0x70a08231
	data := append(
		common.Hex2Bytes("70a08231"),
		common.LeftPadBytes(address.Bytes(), 32)...,
	)

	result, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &tokenAddress,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	if len(result) < 32 {
		return nil, fmt.Errorf("invalid balance response length: %d", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// CallContract performs a read-only contract call
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ethClient.CallContract(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	}, nil)
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// FilterLogs queries historical logs
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return c.ethClient.FilterLogs(ctx, query)
}

// SignAndSendTransaction creates, signs, and sends a transaction
func (c *Client) SignAndSendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	value *big.Int,
) (common.Hash, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get chain ID: %w", err)
	}

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("chain", c.chainConfig.Name),
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// WaitForTransaction waits for a transaction to be mined
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				if receipt.Status == 0 {
					return receipt, fmt.Errorf("transaction failed: %s", txHash.Hex())
				}
				return receipt, nil
			}
			// Transaction not yet mined, continue waiting
		}
	}
}
