// Package ethereum adapts an EVM chain into a settlement rail. Submissions
// become signed value transfers; receipts come from transaction receipts.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/settlement"
)

// Config describes the rail connection and signing identity.
type Config struct {
	RPCURL        string
	PrivateKeyHex string
	// ChainID may be zero, in which case it is fetched from the node.
	ChainID  int64
	GasLimit uint64
}

// weiPerUnit scales ledger amounts (whole currency units) to wei.
var weiPerUnit = decimal.New(1, 18)

// Client submits settlements as signed transactions on an EVM chain.
// Nonce allocation is serialized so concurrent submissions from the same
// signing key never collide.
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	gasLimit  uint64

	mu sync.Mutex
}

// NewClient dials the configured node and prepares the signing identity.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("ethereum: rpc url is required")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", rpcURL, err)
	}
	eth := ethclient.NewClient(rpcClient)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("ethereum: parse signing key: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("ethereum: fetch chain id: %w", err)
		}
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 21000 + 16*128 // plain transfer plus room for the tx_id payload
	}

	return &Client{
		rpcClient: rpcClient,
		eth:       eth,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   chainID,
		gasLimit:  gasLimit,
	}, nil
}

// Close releases the node connection.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Submit signs and broadcasts a value transfer carrying the tx_id in the
// data payload, and returns the transaction hash as the external reference.
func (c *Client) Submit(ctx context.Context, req settlement.SubmitRequest) (string, error) {
	if !common.IsHexAddress(req.CounterpartyRef) {
		return "", settlement.Terminal(fmt.Errorf("ethereum: %q is not a valid address", req.CounterpartyRef))
	}
	to := common.HexToAddress(req.CounterpartyRef)
	value := req.Amount.Mul(weiPerUnit).BigInt()
	if value.Sign() <= 0 {
		return "", settlement.Terminal(fmt.Errorf("ethereum: non-positive value for tx %s", req.TxID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", settlement.Transient(fmt.Errorf("ethereum: fetch nonce: %w", err))
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", settlement.Transient(fmt.Errorf("ethereum: suggest gas price: %w", err))
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     []byte(req.TxID),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", settlement.Terminal(fmt.Errorf("ethereum: sign tx %s: %w", req.TxID, err))
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", classifySubmit(err)
	}
	return signed.Hash().Hex(), nil
}

// GetReceipt maps the chain receipt onto a settlement receipt. A missing
// receipt means the transaction is still pending in the mempool.
func (c *Client) GetReceipt(ctx context.Context, externalRef string) (settlement.Receipt, error) {
	hash := common.HexToHash(externalRef)
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return settlement.Receipt{Status: settlement.ReceiptPending}, nil
	}
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("ethereum: fetch receipt %s: %w", externalRef, err)
	}

	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return settlement.Receipt{Status: settlement.ReceiptFailed}, nil
	}

	confirmations := 1
	if head, err := c.eth.BlockNumber(ctx); err == nil && receipt.BlockNumber != nil {
		if depth := head - receipt.BlockNumber.Uint64(); depth < 1<<30 {
			confirmations = int(depth) + 1
		}
	}
	return settlement.Receipt{Status: settlement.ReceiptConfirmed, Confirmations: confirmations}, nil
}

// ProbeRail checks node reachability with a cheap head query.
func (c *Client) ProbeRail(ctx context.Context) error {
	if _, err := c.eth.BlockNumber(ctx); err != nil {
		return fmt.Errorf("ethereum: probe: %w", err)
	}
	return nil
}

// classifySubmit sorts node rejections into retryable and fatal. Nonce and
// fee races resolve themselves on retry; balance and validity errors never
// do. Unknown messages stay transient, the executor's budget bounds them.
func classifySubmit(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return settlement.TerminalFault(settlement.FaultInsufficientFunds,
			fmt.Errorf("ethereum: submit: %w", err))
	case strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "execution reverted"):
		return settlement.Terminal(fmt.Errorf("ethereum: submit: %w", err))
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "txpool is full"):
		return settlement.Transient(fmt.Errorf("ethereum: submit: %w", err))
	default:
		return settlement.Transient(fmt.Errorf("ethereum: submit: %w", err))
	}
}
