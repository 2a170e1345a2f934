package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"assetrails/internal/faults"
)

// ErrConfirmationTimeout is returned when the caller-supplied deadline
// elapses before the transaction gathers enough confirmations. The handle
// stays valid; callers resume by calling AwaitConfirmation again.
var ErrConfirmationTimeout = errors.New("confirmation deadline elapsed")

// EthClient submits transactions to the certificate market contract and reads
// its logs. Nonce sequencing and fee selection live here so callers never
// touch chain mechanics.
type EthClient struct {
	cli      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address

	feePremiumBps  uint64
	maxFeeAttempts int
	pollInterval   time.Duration

	nonceMu   sync.Mutex
	nextNonce *uint64

	timeMu     sync.Mutex
	blockTimes map[uint64]uint64
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ContractMarket string
	// FeePremiumBps is added on top of the observed market fee so inclusion
	// stays timely under mild fee competition.
	FeePremiumBps  uint64
	MaxFeeAttempts int
	PollInterval   time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractMarket == "" {
		return nil, fmt.Errorf("market contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(MarketABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	maxFeeAttempts := cfg.MaxFeeAttempts
	if maxFeeAttempts <= 0 {
		maxFeeAttempts = 3
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &EthClient{
		cli:            cli,
		abi:            parsedABI,
		contract:       common.HexToAddress(cfg.ContractMarket),
		chainID:        chainID,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		feePremiumBps:  cfg.FeePremiumBps,
		maxFeeAttempts: maxFeeAttempts,
		pollInterval:   pollInterval,
		blockTimes:     make(map[uint64]uint64),
	}, nil
}

// Signer returns the identity transactions are submitted from.
func (c *EthClient) Signer() common.Address { return c.from }

func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.cli.BlockNumber(ctx)
	return err
}

func (c *EthClient) Head(ctx context.Context) (uint64, error) {
	head, err := c.cli.BlockNumber(ctx)
	if err != nil {
		return 0, faults.Transient(fmt.Errorf("fetch head: %w", err))
	}
	return head, nil
}

func (c *EthClient) BlockTime(ctx context.Context, block uint64) (uint64, error) {
	c.timeMu.Lock()
	if ts, ok := c.blockTimes[block]; ok {
		c.timeMu.Unlock()
		return ts, nil
	}
	c.timeMu.Unlock()

	header, err := c.cli.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, faults.Transient(fmt.Errorf("fetch header %d: %w", block, err))
	}

	c.timeMu.Lock()
	c.blockTimes[block] = header.Time
	// Past block times never change; cap the cache anyway.
	if len(c.blockTimes) > 4096 {
		c.blockTimes = map[uint64]uint64{block: header.Time}
	}
	c.timeMu.Unlock()
	return header.Time, nil
}

func (c *EthClient) reserveNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nextNonce == nil {
		n, err := c.cli.PendingNonceAt(ctx, c.from)
		if err != nil {
			return 0, faults.Transient(fmt.Errorf("fetch nonce: %w", err))
		}
		c.nextNonce = &n
	}
	return *c.nextNonce, nil
}

func (c *EthClient) refreshNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n, err := c.cli.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, faults.Transient(fmt.Errorf("refresh nonce: %w", err))
	}
	c.nextNonce = &n
	return n, nil
}

func (c *EthClient) advanceNonce(used uint64) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	next := used + 1
	if c.nextNonce == nil || *c.nextNonce <= used {
		c.nextNonce = &next
	}
}

type feeQuote struct {
	tipCap *big.Int
	feeCap *big.Int
}

func (c *EthClient) quoteFee(ctx context.Context) (feeQuote, error) {
	tip, err := c.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return feeQuote{}, faults.Transient(fmt.Errorf("suggest tip: %w", err))
	}
	header, err := c.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeQuote{}, faults.Transient(fmt.Errorf("fetch head header: %w", err))
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	if c.feePremiumBps > 0 {
		premium := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(c.feePremiumBps))
		premium.Div(premium, big.NewInt(10_000))
		feeCap.Add(feeCap, premium)
	}
	return feeQuote{tipCap: tip, feeCap: feeCap}, nil
}

func escalate(q feeQuote) feeQuote {
	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, big.NewInt(125))
		return out.Div(out, big.NewInt(100))
	}
	return feeQuote{tipCap: bump(q.tipCap), feeCap: bump(q.feeCap)}
}

// Submit packs and signs the call, assigns the sequence number and sends it.
// It never waits for confirmation. Stale-nonce rejections are retried once
// with a refreshed nonce; underpriced rejections are retried with an
// escalated fee a bounded number of times, after which the failure is fatal.
func (c *EthClient) Submit(ctx context.Context, call Call) (PendingHandle, error) {
	data, err := c.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return PendingHandle{}, faults.Fatal(fmt.Errorf("pack %s: %w", call.Method, err))
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var nonce uint64
	if call.Nonce != nil {
		nonce = *call.Nonce
	} else {
		nonce, err = c.reserveNonce(ctx)
		if err != nil {
			return PendingHandle{}, err
		}
	}

	gas, err := c.cli.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &c.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return PendingHandle{}, faults.Transient(fmt.Errorf("estimate gas for %s: %w", call.Method, err))
	}

	quote, err := c.quoteFee(ctx)
	if err != nil {
		return PendingHandle{}, err
	}

	nonceRefreshed := false
	for attempt := 1; ; attempt++ {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: quote.tipCap,
			GasFeeCap: quote.feeCap,
			Gas:       gas,
			To:        &c.contract,
			Value:     value,
			Data:      data,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
		if err != nil {
			return PendingHandle{}, faults.Fatal(fmt.Errorf("sign %s: %w", call.Method, err))
		}

		err = c.cli.SendTransaction(ctx, signed)
		if err == nil || isAlreadyKnown(err) {
			// "already known" means this exact signed transaction is in the
			// pool already: an earlier submission landed and the response was
			// lost. Same payload, same hash, so the handle is still valid.
			c.advanceNonce(nonce)
			return PendingHandle{TxHash: signed.Hash(), Nonce: nonce}, nil
		}

		if isStaleNonce(err) && call.Nonce == nil && !nonceRefreshed {
			nonceRefreshed = true
			nonce, err = c.refreshNonce(ctx)
			if err != nil {
				return PendingHandle{}, err
			}
			continue
		}
		if isUnderpriced(err) && attempt < c.maxFeeAttempts {
			quote = escalate(quote)
			continue
		}
		if isUnderpriced(err) {
			return PendingHandle{}, faults.Fatal(fmt.Errorf("submit %s: fee escalation exhausted after %d attempts: %w", call.Method, attempt, err))
		}
		return PendingHandle{}, faults.Transient(fmt.Errorf("submit %s: %w", call.Method, err))
	}
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

func isStaleNonce(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isUnderpriced(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "underpriced") || strings.Contains(msg, "fee cap less than") ||
		strings.Contains(msg, "max fee per gas less than block base fee")
}

// AwaitConfirmation polls until the transaction is included with at least
// minConfirmations, or the context deadline elapses. Timeouts are reported,
// never retried here; the caller decides whether to resubmit.
func (c *EthClient) AwaitConfirmation(ctx context.Context, h PendingHandle, minConfirmations uint64) (*Receipt, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.cli.TransactionReceipt(ctx, h.TxHash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, faults.Transient(fmt.Errorf("fetch receipt: %w", err))
		}
		if receipt != nil {
			head, err := c.cli.BlockNumber(ctx)
			if err != nil {
				return nil, faults.Transient(fmt.Errorf("fetch head: %w", err))
			}
			included := receipt.BlockNumber.Uint64()
			if head >= included && head-included+1 >= minConfirmations {
				blockTime, err := c.BlockTime(ctx, included)
				if err != nil {
					return nil, err
				}
				logs := make([]types.Log, 0, len(receipt.Logs))
				for _, lg := range receipt.Logs {
					logs = append(logs, *lg)
				}
				return &Receipt{
					TxHash:      h.TxHash,
					BlockNumber: included,
					BlockTime:   blockTime,
					Success:     receipt.Status == types.ReceiptStatusSuccessful,
					Logs:        logs,
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// QueryLogs returns the contract's logs for the block range and topic set,
// ordered by (block number, log index).
func (c *EthClient) QueryLogs(ctx context.Context, fromBlock, toBlock uint64, topics []common.Hash) ([]types.Log, error) {
	logs, err := c.cli.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("filter logs: %w", err))
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs, nil
}
