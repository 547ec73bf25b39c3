package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/traces"
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const escrowABI = `[
	{"inputs":[{"name":"settlement","type":"bytes32"}],"name":"verifyOwnership","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"settlement","type":"bytes32"},{"name":"assetId","type":"string"},{"name":"recipient","type":"string"},{"name":"signedAt","type":"uint64"},{"name":"signature","type":"bytes"}],"name":"confirmDelivery","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"paused","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails
	DefaultGasLimit = uint64(250000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

var submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skinsettle",
	Subsystem: "chain",
	Name:      "submissions_total",
	Help:      "Escrow program submissions by call and outcome.",
}, []string{"call", "outcome"})

func init() {
	prometheus.MustRegister(submissionsTotal)
}

// Config for the escrow client
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, 0x prefix optional
	ChainID        int64
	Contract       string
	ConfirmTimeout time.Duration
}

// Option configures the client
type Option func(*EscrowClient)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *EscrowClient) { c.client = client }
}

// WithPollInterval overrides how often receipts are polled while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(c *EscrowClient) { c.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *EscrowClient) { c.logger = l }
}

// EscrowClient submits settlement steps to an EVM escrow contract.
type EscrowClient struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	contract     common.Address
	abi          abi.ABI
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	// serializes nonce allocation across concurrent settlements
	sendMu sync.Mutex
}

var _ Escrow = (*EscrowClient)(nil)

// NewEscrowClient creates a client, dialing RPCURL unless WithClient is given.
func NewEscrowClient(cfg Config, opts ...Option) (*EscrowClient, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}

	c := &EscrowClient{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		contract:     common.HexToAddress(cfg.Contract),
		abi:          parsed,
		timeout:      timeout,
		pollInterval: ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "chain")

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return ErrInvalidContract
	}
	return nil
}

// Address returns the submitting account.
func (c *EscrowClient) Address() string {
	return c.address.Hex()
}

// Paused reads the program's pause flag.
func (c *EscrowClient) Paused(ctx context.Context) (bool, error) {
	data, err := c.abi.Pack("paused")
	if err != nil {
		return false, fmt.Errorf("failed to pack paused call: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to call paused: %w", err)
	}
	vals, err := c.abi.Unpack("paused", out)
	if err != nil || len(vals) != 1 {
		return false, fmt.Errorf("failed to decode paused: %v", err)
	}
	paused, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("failed to decode paused: unexpected %T", vals[0])
	}
	return paused, nil
}

// SubmitOwnershipVerification records on-chain that the seller's ownership
// of the escrowed item was verified.
func (c *EscrowClient) SubmitOwnershipVerification(ctx context.Context, settlementID string) (string, error) {
	data, err := c.abi.Pack("verifyOwnership", SettlementKey(settlementID))
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return c.submit(ctx, "verify_ownership", settlementID, data)
}

// SubmitDeliveryConfirmation submits the oracle receipt so the program can
// release funds to the seller.
func (c *EscrowClient) SubmitDeliveryConfirmation(ctx context.Context, settlementID string, r *receipts.Receipt) (string, error) {
	if err := checkReceipt(settlementID, r); err != nil {
		return "", err
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	data, err := c.abi.Pack("confirmDelivery",
		SettlementKey(settlementID), r.AssetID, r.RecipientIdentity, uint64(r.SignedAt.Unix()), sig)
	if err != nil {
		return "", &TxError{Op: "pack", Err: err}
	}
	return c.submit(ctx, "confirm_delivery", settlementID, data)
}

func (c *EscrowClient) submit(ctx context.Context, call, settlementID string, data []byte) (hash string, err error) {
	ctx, span := traces.StartSpan(ctx, "chain."+call, traces.SettlementID(settlementID))
	defer func() {
		traces.End(span, err)
		outcome := "ok"
		switch {
		case errors.Is(err, ErrProgramPaused):
			outcome = "paused"
		case err != nil:
			outcome = "error"
		}
		submissionsTotal.WithLabelValues(call, outcome).Inc()
	}()

	paused, err := c.Paused(ctx)
	if err != nil {
		return "", &TxError{Op: call, Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}
	if paused {
		return "", ErrProgramPaused
	}

	signedTx, err := c.send(ctx, call, data)
	if err != nil {
		return "", err
	}
	hash = signedTx.Hash().Hex()
	span.SetAttributes(traces.TxHash(hash))

	if err := c.WaitForConfirmation(ctx, hash, c.timeout); err != nil {
		return hash, err
	}
	c.logger.Info("escrow call confirmed", "call", call, "settlementId", settlementID, "tx", hash)
	return hash, nil
}

func (c *EscrowClient) send(ctx context.Context, call string, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TxError{Op: call + ".nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: call + ".gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TxError{Op: call + ".sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Op: call + ".send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx, nil
}

// WaitForConfirmation waits for a transaction to be mined
func (c *EscrowClient) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TxError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}

// Close closes the client connection
func (c *EscrowClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
