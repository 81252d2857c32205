// Package middleware exposes an Ethereum-client-shaped facade over a
// simulation environment. Each Client is one identity: it owns a signer,
// registers its account on construction, and translates high-level calls
// into the environment's instruction protocol.
//
// The surface mirrors ethclient where the simulator can honor the
// semantics: SendTransaction, CallContract, BalanceAt, NonceAt, StorageAt,
// SuggestGasPrice. Simulation-only operations (cheatcodes, block updates)
// sit alongside them.
package middleware

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/crucible-sim/crucible/environment"
	"github.com/crucible-sim/crucible/log"
	"github.com/crucible-sim/crucible/metrics"
)

// Client is a per-identity connection to an environment.
type Client struct {
	env     *environment.Environment
	key     *ecdsa.PrivateKey
	address common.Address
	logger  *log.Logger

	mu      sync.Mutex
	filters map[common.Hash]*filterReceiver
}

// New creates a client bound to the environment and registers its account.
// A non-empty seed makes the identity deterministic across runs; an empty
// seed draws a random one. Two clients created from the same seed collide
// on the same address, so the second New fails with ErrAccountExists.
func New(env *environment.Environment, seed []byte) (*Client, error) {
	key, err := deriveKey(seed)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	c := &Client{
		env:     env,
		key:     key,
		address: address,
		logger:  log.Default().Module("middleware").With("client", address.Hex()),
		filters: make(map[common.Hash]*filterReceiver),
	}

	reply := environment.NewReply()
	out, err := c.roundTrip(context.Background(), &environment.AddAccount{Address: address, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	if _, ok := out.(*environment.AddAccountCompleted); !ok {
		return nil, ErrUnexpectedOutcome
	}
	return c, nil
}

// Address returns the client's account address.
func (c *Client) Address() common.Address { return c.address }

// PrivateKey returns the client's signing key. Exposed for agent code
// that signs messages out of band; the environment itself never verifies
// signatures.
func (c *Client) PrivateKey() *ecdsa.PrivateKey { return c.key }

// roundTrip submits one instruction and waits for its reply. It fails
// fast if the environment has terminated instead of waiting forever.
func (c *Client) roundTrip(ctx context.Context, instr environment.Instruction, reply chan environment.Result) (environment.Outcome, error) {
	metrics.ClientRequests.Inc()
	if err := c.env.Submit(instr); err != nil {
		metrics.ClientErrors.Inc()
		return nil, err
	}
	select {
	case res := <-reply:
		return c.unwrap(res)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.env.Done():
		// The worker may have answered just before terminating; prefer
		// that answer over reporting the environment gone.
		select {
		case res := <-reply:
			return c.unwrap(res)
		default:
			metrics.ClientErrors.Inc()
			return nil, environment.ErrEnvironmentStopped
		}
	}
}

func (c *Client) unwrap(res environment.Result) (environment.Outcome, error) {
	if res.Err != nil {
		metrics.ClientErrors.Inc()
		return nil, res.Err
	}
	return res.Outcome, nil
}

// query runs one Query instruction and returns its decimal string answer.
func (c *Client) query(ctx context.Context, kind environment.QueryKind, addr common.Address) (string, error) {
	reply := environment.NewReply()
	out, err := c.roundTrip(ctx, &environment.Query{Kind: kind, Address: addr, Reply: reply}, reply)
	if err != nil {
		return "", err
	}
	answer, ok := out.(*environment.QueryCompleted)
	if !ok {
		return "", ErrUnexpectedOutcome
	}
	return answer.Value, nil
}

// BlockNumber returns the current block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	value, err := c.query(ctx, environment.QueryBlockNumber, common.Address{})
	if err != nil {
		return 0, err
	}
	return parseUint64(value)
}

// BlockTimestamp returns the current block timestamp.
func (c *Client) BlockTimestamp(ctx context.Context) (uint64, error) {
	value, err := c.query(ctx, environment.QueryBlockTimestamp, common.Address{})
	if err != nil {
		return 0, err
	}
	return parseUint64(value)
}

// SuggestGasPrice returns the gas price the environment's policy answers.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	value, err := c.query(ctx, environment.QueryGasPrice, common.Address{})
	if err != nil {
		return nil, err
	}
	return parseBig(value)
}

// BalanceAt returns the balance of the given account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	value, err := c.query(ctx, environment.QueryBalance, account)
	if err != nil {
		return nil, err
	}
	return parseBig(value)
}

// NonceAt returns the transaction count of the given account.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	value, err := c.query(ctx, environment.QueryTransactionCount, account)
	if err != nil {
		return 0, err
	}
	return parseUint64(value)
}

// StorageAt reads one storage slot through the Load cheatcode, returned
// as a 32-byte big-endian word.
func (c *Client) StorageAt(ctx context.Context, account common.Address, key common.Hash) (common.Hash, error) {
	result, err := c.ApplyCheatcode(ctx, &environment.LoadCheatcode{Account: account, Key: key})
	if err != nil {
		return common.Hash{}, err
	}
	load, ok := result.(*environment.LoadResult)
	if !ok {
		return common.Hash{}, ErrUnexpectedOutcome
	}
	return load.Value, nil
}

// ApplyCheatcode passes a cheatcode through to the environment.
func (c *Client) ApplyCheatcode(ctx context.Context, cheatcode environment.Cheatcode) (environment.CheatcodeResult, error) {
	reply := environment.NewReply()
	out, err := c.roundTrip(ctx, &environment.ApplyCheatcode{Cheatcode: cheatcode, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	completed, ok := out.(*environment.CheatcodeCompleted)
	if !ok {
		return nil, ErrUnexpectedOutcome
	}
	return completed.Result, nil
}

// SetGasPrice sets the environment's gas price. Honored only under the
// user-controlled gas policy; other policies acknowledge and ignore it.
func (c *Client) SetGasPrice(ctx context.Context, price *big.Int) error {
	value, overflow := uint256.FromBig(price)
	if overflow {
		return fmt.Errorf("%w: gas price exceeds 256 bits", ErrConversion)
	}
	reply := environment.NewReply()
	out, err := c.roundTrip(ctx, &environment.SetGasPrice{Price: value, Reply: reply}, reply)
	if err != nil {
		return err
	}
	if _, ok := out.(*environment.SetGasPriceCompleted); !ok {
		return ErrUnexpectedOutcome
	}
	return nil
}

// UpdateBlock moves the block number and timestamp forward. Honored only
// under the user-controlled block policy. The returned ReceiptData holds
// the counters of the block being closed.
func (c *Client) UpdateBlock(ctx context.Context, number, timestamp uint64) (environment.ReceiptData, error) {
	reply := environment.NewReply()
	out, err := c.roundTrip(ctx, &environment.BlockUpdate{Number: number, Timestamp: timestamp, Reply: reply}, reply)
	if err != nil {
		return environment.ReceiptData{}, err
	}
	completed, ok := out.(*environment.BlockUpdateCompleted)
	if !ok {
		return environment.ReceiptData{}, ErrUnexpectedOutcome
	}
	return completed.Receipt, nil
}

// SendTransaction executes a committing transaction as this client. The
// caller is always the client's own address; msg.To nil deploys a
// contract. The returned handle is already resolved: its receipt is
// synthesized from the environment's counters before SendTransaction
// returns.
func (c *Client) SendTransaction(ctx context.Context, msg ethereum.CallMsg) (*PendingTransaction, error) {
	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.buildTxEnv(msg, gasPrice)
	if err != nil {
		return nil, err
	}

	reply := environment.NewReply()
	out, err := c.roundTrip(ctx, &environment.Transaction{Tx: tx, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	completed, ok := out.(*environment.TransactionCompleted)
	if !ok {
		return nil, ErrUnexpectedOutcome
	}

	receipt := c.buildReceipt(tx, gasPrice, completed.Result, completed.Receipt)
	c.logger.Debug("transaction committed",
		"hash", receipt.TxHash.Hex(),
		"block", completed.Receipt.BlockNumber,
		"index", completed.Receipt.TransactionIndex)
	return newPendingTransaction(receipt), nil
}

// CallContract executes a non-committing call and returns the raw output.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	tx, err := c.buildTxEnv(msg, nil)
	if err != nil {
		return nil, err
	}

	reply := environment.NewReply()
	out, err := c.roundTrip(ctx, &environment.Call{Tx: tx, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	completed, ok := out.(*environment.CallCompleted)
	if !ok {
		return nil, ErrUnexpectedOutcome
	}
	return completed.Result.Output, nil
}

// buildTxEnv maps a CallMsg onto the instruction protocol's transaction
// environment. Gas price nil means a free execution (calls).
func (c *Client) buildTxEnv(msg ethereum.CallMsg, gasPrice *big.Int) (environment.TxEnv, error) {
	price := new(uint256.Int)
	if gasPrice != nil {
		converted, overflow := uint256.FromBig(gasPrice)
		if overflow {
			return environment.TxEnv{}, fmt.Errorf("%w: gas price exceeds 256 bits", ErrConversion)
		}
		price = converted
	}
	value := new(uint256.Int)
	if msg.Value != nil {
		converted, overflow := uint256.FromBig(msg.Value)
		if overflow {
			return environment.TxEnv{}, fmt.Errorf("%w: value exceeds 256 bits", ErrConversion)
		}
		value = converted
	}
	return environment.TxEnv{
		Caller:     c.address,
		To:         msg.To,
		GasLimit:   math.MaxUint64,
		GasPrice:   price,
		Value:      value,
		Data:       msg.Data,
		AccessList: msg.AccessList,
	}, nil
}

func parseUint64(value string) (uint64, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrConversion, value)
	}
	return parsed, nil
}

func parseBig(value string) (*big.Int, error) {
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversion, value)
	}
	return parsed, nil
}
