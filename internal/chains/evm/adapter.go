package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"kinvault/offchain/internal/chains"
	"kinvault/offchain/internal/config"
)

const tokenMessengerABI = `[
	{"type":"function","name":"depositForBurn","stateMutability":"nonpayable",
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},
	           {"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],
	 "outputs":[{"name":"nonce","type":"uint64"}]}
]`

const messageTransmitterABI = `[
	{"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
	 "inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"type":"event","name":"MessageSent","anonymous":false,
	 "inputs":[{"name":"message","type":"bytes","indexed":false}]}
]`

const erc20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const vaultABI = `[
	{"type":"event","name":"Spent","anonymous":false,
	 "inputs":[{"name":"account","type":"address","indexed":true},
	           {"name":"amount","type":"uint256","indexed":false}]}
]`

const (
	txWaitTimeout     = 2 * time.Minute
	spendPollInterval = 10 * time.Second
)

// Adapter drives burn and mint submissions on an EVM chain
type Adapter struct {
	client       *Client
	cfg          *config.ChainConfig
	messengerABI abi.ABI
	transmitABI  abi.ABI
	tokenABI     abi.ABI
	vaultEvents  abi.ABI
	logger       *zap.Logger
}

var _ chains.Adapter = (*Adapter)(nil)
var _ chains.SpendWatcher = (*Adapter)(nil)

// NewAdapter creates an adapter for an EVM chain
func NewAdapter(chainCfg *config.ChainConfig, operatorPrivateKey string, logger *zap.Logger) (*Adapter, error) {
	client, err := NewClient(chainCfg, operatorPrivateKey, logger)
	if err != nil {
		return nil, err
	}

	messengerABI, err := abi.JSON(strings.NewReader(tokenMessengerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token messenger ABI: %w", err)
	}
	transmitABI, err := abi.JSON(strings.NewReader(messageTransmitterABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message transmitter ABI: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	vaultEvents, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	return &Adapter{
		client:       client,
		cfg:          chainCfg,
		messengerABI: messengerABI,
		transmitABI:  transmitABI,
		tokenABI:     tokenABI,
		vaultEvents:  vaultEvents,
		logger:       logger,
	}, nil
}

func (a *Adapter) Name() string               { return a.cfg.Name }
func (a *Adapter) Family() config.ChainFamily { return config.FamilyEVM }
func (a *Adapter) Close()                     { a.client.Close() }

// Client exposes the underlying RPC client for read-only contract calls
func (a *Adapter) Client() *Client { return a.client }

// SubmitBurn approves the token messenger, burns the amount, and extracts
// the bridge message from the burn receipt. The message hash it returns is
// what the attestation service and the destination mint are keyed on.
func (a *Adapter) SubmitBurn(ctx context.Context, req *chains.BurnRequest) (*chains.BurnResult, error) {
	messenger := common.HexToAddress(a.cfg.TokenMessenger)
	token := common.HexToAddress(a.cfg.TokenAddress)

	if !common.IsHexAddress(req.MintRecipient) {
		return nil, fmt.Errorf("invalid mint recipient %q", req.MintRecipient)
	}
	recipient := common.HexToAddress(req.MintRecipient)

	approveData, err := a.tokenABI.Pack("approve", messenger, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	approveTx, err := a.client.SignAndSendTransaction(ctx, token, approveData, nil)
	if err != nil {
		return nil, fmt.Errorf("approve failed: %w", err)
	}
	if _, err := a.client.WaitForTransaction(ctx, approveTx, txWaitTimeout); err != nil {
		return nil, fmt.Errorf("approve not confirmed: %w", err)
	}

	var mintRecipient [32]byte
	copy(mintRecipient[12:], recipient.Bytes())

	burnData, err := a.messengerABI.Pack("depositForBurn",
		req.Amount, req.DestinationDomain, mintRecipient, token)
	if err != nil {
		return nil, fmt.Errorf("failed to pack depositForBurn: %w", err)
	}

	burnTx, err := a.client.SignAndSendTransaction(ctx, messenger, burnData, nil)
	if err != nil {
		return nil, fmt.Errorf("burn failed: %w", err)
	}

	receipt, err := a.client.WaitForTransaction(ctx, burnTx, txWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("burn not confirmed: %w", err)
	}

	messageSentTopic := a.transmitABI.Events["MessageSent"].ID
	var messageBytes []byte
	for _, log := range receipt.Logs {
		if len(log.Topics) > 0 && log.Topics[0] == messageSentTopic {
			unpacked, err := a.transmitABI.Unpack("MessageSent", log.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to unpack MessageSent: %w", err)
			}
			messageBytes = unpacked[0].([]byte)
			break
		}
	}
	if messageBytes == nil {
		return nil, fmt.Errorf("burn receipt %s has no MessageSent log", burnTx.Hex())
	}

	nonce, err := chains.MessageNonce(messageBytes)
	if err != nil {
		return nil, err
	}

	result := &chains.BurnResult{
		TxRef:        burnTx.Hex(),
		BurnNonce:    nonce,
		MessageBytes: messageBytes,
		MessageHash:  chains.MessageHash(messageBytes),
	}

	a.logger.Info("Burn confirmed",
		zap.String("chain", a.cfg.Name),
		zap.String("tx_hash", result.TxRef),
		zap.Uint64("burn_nonce", nonce),
		zap.String("message_hash", result.MessageHash))

	return result, nil
}

// SubmitMint delivers message+attestation to the message transmitter.
// A revert telling us the nonce was already used is surfaced as
// ErrAlreadyMinted so the caller can finish the transfer anyway.
func (a *Adapter) SubmitMint(ctx context.Context, messageBytes, attestation []byte) (string, error) {
	transmitter := common.HexToAddress(a.cfg.MessageTransmitter)

	data, err := a.transmitABI.Pack("receiveMessage", messageBytes, attestation)
	if err != nil {
		return "", fmt.Errorf("failed to pack receiveMessage: %w", err)
	}

	txHash, err := a.client.SignAndSendTransaction(ctx, transmitter, data, nil)
	if err != nil {
		if isNonceUsedError(err) {
			return "", chains.ErrAlreadyMinted
		}
		return "", fmt.Errorf("mint failed: %w", err)
	}

	if _, err := a.client.WaitForTransaction(ctx, txHash, txWaitTimeout); err != nil {
		return "", fmt.Errorf("mint not confirmed: %w", err)
	}

	a.logger.Info("Mint confirmed",
		zap.String("chain", a.cfg.Name),
		zap.String("tx_hash", txHash.Hex()))

	return txHash.Hex(), nil
}

// Balance returns the bridged-token balance of an address
func (a *Adapter) Balance(ctx context.Context, address string) (*big.Int, error) {
	canonical, err := a.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return a.client.TokenBalance(ctx, common.HexToAddress(canonical))
}

// ParseAddress validates a hex address and returns its checksummed form
func (a *Adapter) ParseAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q for chain %s", address, a.cfg.Name)
	}
	return common.HexToAddress(address).Hex(), nil
}

// WatchSpends polls for vault Spent events and forwards them to out.
// Resumes from fromBlock so restarts do not drop withdrawals.
func (a *Adapter) WatchSpends(ctx context.Context, vaultAddress string, fromBlock uint64, out chan<- chains.SpendEvent) error {
	vault := common.HexToAddress(vaultAddress)
	spentTopic := a.vaultEvents.Events["Spent"].ID

	ticker := time.NewTicker(spendPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		latest, err := a.client.BlockNumber(ctx)
		if err != nil {
			a.logger.Warn("Failed to get latest block", zap.Error(err))
			continue
		}
		if latest < fromBlock {
			continue
		}

		logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(latest),
			Addresses: []common.Address{vault},
			Topics:    [][]common.Hash{{spentTopic}},
		})
		if err != nil {
			a.logger.Warn("Failed to filter spend logs", zap.Error(err))
			continue
		}

		for _, log := range logs {
			if len(log.Topics) < 2 {
				continue
			}
			account := common.HexToAddress(log.Topics[1].Hex())
			unpacked, err := a.vaultEvents.Unpack("Spent", log.Data)
			if err != nil {
				a.logger.Warn("Failed to unpack Spent event", zap.Error(err))
				continue
			}
			amount := unpacked[0].(*big.Int)

			select {
			case out <- chains.SpendEvent{
				Account:     account.Hex(),
				Amount:      amount.String(),
				TxRef:       log.TxHash.Hex(),
				BlockNumber: log.BlockNumber,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		fromBlock = latest + 1
	}
}

func isNonceUsedError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce already used")
}
