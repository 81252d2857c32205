package environment

import (
	"crypto/sha256"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// The instruction protocol is a closed vocabulary spoken between clients and
// the EVM worker. Every instruction carries a single-use Reply channel
// (capacity 1) on which the worker posts exactly one Result. The worker is
// serial, so outcomes observed on any one client's reply channels arrive in
// the order that client submitted its instructions.

// Instruction is one request to the EVM worker. The set of implementations
// is closed; external packages construct the variants below but cannot add
// new ones.
type Instruction interface {
	isInstruction()
	// replyChannel exposes the reply channel so the worker can answer
	// uniformly, including failing instructions left behind on shutdown.
	replyChannel() chan Result
}

// Result pairs an Outcome with an error. Exactly one of the two fields is
// meaningful.
type Result struct {
	Outcome Outcome
	Err     error
}

// NewReply returns a reply channel suitable for any instruction. The
// buffer guarantees the worker's send never blocks, even if the client
// abandoned the request.
func NewReply() chan Result {
	return make(chan Result, 1)
}

// AddAccount registers a fresh, empty account under Address.
type AddAccount struct {
	Address common.Address
	Reply   chan Result
}

// BlockUpdate moves the block environment to the given number and
// timestamp. The outcome carries the receipt counters of the block being
// closed, observed before both counters reset.
type BlockUpdate struct {
	Number    uint64
	Timestamp uint64
	Reply     chan Result
}

// ApplyCheatcode performs an out-of-band database mutation or inspection.
type ApplyCheatcode struct {
	Cheatcode Cheatcode
	Reply     chan Result
}

// Call executes a transaction without committing state changes.
type Call struct {
	Tx    TxEnv
	Reply chan Result
}

// Transaction executes and commits a transaction. On success its logs are
// published on the broadcast bus before the reply is sent.
type Transaction struct {
	Tx    TxEnv
	Reply chan Result
}

// SetGasPrice sets the price reported by gas-price queries. Honored only
// under the user-controlled gas policy.
type SetGasPrice struct {
	Price *uint256.Int
	Reply chan Result
}

// Query reads a single datum from the environment without mutating it.
type Query struct {
	Kind    QueryKind
	Address common.Address // used by QueryBalance and QueryTransactionCount
	Reply   chan Result
}

// Stop terminates the worker. The outcome surrenders the database.
type Stop struct {
	Reply chan Result
}

func (*AddAccount) isInstruction()     {}
func (*BlockUpdate) isInstruction()    {}
func (*ApplyCheatcode) isInstruction() {}
func (*Call) isInstruction()           {}
func (*Transaction) isInstruction()    {}
func (*SetGasPrice) isInstruction()    {}
func (*Query) isInstruction()          {}
func (*Stop) isInstruction()           {}

func (i *AddAccount) replyChannel() chan Result     { return i.Reply }
func (i *BlockUpdate) replyChannel() chan Result    { return i.Reply }
func (i *ApplyCheatcode) replyChannel() chan Result { return i.Reply }
func (i *Call) replyChannel() chan Result           { return i.Reply }
func (i *Transaction) replyChannel() chan Result    { return i.Reply }
func (i *SetGasPrice) replyChannel() chan Result    { return i.Reply }
func (i *Query) replyChannel() chan Result          { return i.Reply }
func (i *Stop) replyChannel() chan Result           { return i.Reply }

// QueryKind selects what a Query reads.
type QueryKind int

const (
	// QueryBlockNumber reads the current block number.
	QueryBlockNumber QueryKind = iota
	// QueryBlockTimestamp reads the current block timestamp.
	QueryBlockTimestamp
	// QueryGasPrice reads the policy-determined gas price.
	QueryGasPrice
	// QueryBalance reads an account balance.
	QueryBalance
	// QueryTransactionCount reads an account nonce.
	QueryTransactionCount
)

// String returns the query kind name used in logs.
func (k QueryKind) String() string {
	switch k {
	case QueryBlockNumber:
		return "block_number"
	case QueryBlockTimestamp:
		return "block_timestamp"
	case QueryGasPrice:
		return "gas_price"
	case QueryBalance:
		return "balance"
	case QueryTransactionCount:
		return "transaction_count"
	default:
		return "unknown"
	}
}

// TxEnv carries the transaction-level inputs for one EVM execution.
type TxEnv struct {
	Caller   common.Address
	To       *common.Address // nil means contract creation
	GasLimit uint64
	GasPrice *uint256.Int
	Value    *uint256.Int
	Data     []byte

	AccessList types.AccessList
	ChainID    *big.Int // optional
	Nonce      *uint64  // optional; nil uses the caller's current nonce
}

// ---------------------------------------------------------------------------
// Cheatcodes
// ---------------------------------------------------------------------------

// Cheatcode is an out-of-band database operation with no corresponding
// on-chain transaction. Every cheatcode addressing a missing account fails
// with ErrAccountNotFound.
type Cheatcode interface {
	isCheatcode()
}

// LoadCheatcode reads one storage slot. A slot never written reads as zero.
type LoadCheatcode struct {
	Account common.Address
	Key     common.Hash
}

// StoreCheatcode writes one storage slot unconditionally.
type StoreCheatcode struct {
	Account common.Address
	Key     common.Hash
	Value   common.Hash
}

// DealCheatcode adds Amount to the account's balance.
type DealCheatcode struct {
	Account common.Address
	Amount  *uint256.Int
}

// AccessCheatcode returns a snapshot of the account.
type AccessCheatcode struct {
	Account common.Address
}

func (*LoadCheatcode) isCheatcode()   {}
func (*StoreCheatcode) isCheatcode()  {}
func (*DealCheatcode) isCheatcode()   {}
func (*AccessCheatcode) isCheatcode() {}

// CheatcodeResult is the value returned by a cheatcode.
type CheatcodeResult interface {
	isCheatcodeResult()
}

// LoadResult carries the storage value read by LoadCheatcode.
type LoadResult struct {
	Value common.Hash
}

// StoreResult acknowledges a StoreCheatcode.
type StoreResult struct{}

// DealResult acknowledges a DealCheatcode.
type DealResult struct{}

// AccessResult carries the account snapshot read by AccessCheatcode.
type AccessResult struct {
	Snapshot AccountSnapshot
}

func (*LoadResult) isCheatcodeResult()   {}
func (*StoreResult) isCheatcodeResult()  {}
func (*DealResult) isCheatcodeResult()   {}
func (*AccessResult) isCheatcodeResult() {}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// Outcome is the worker's answer to one instruction.
type Outcome interface {
	isOutcome()
}

// AddAccountCompleted acknowledges an AddAccount.
type AddAccountCompleted struct{}

// BlockUpdateCompleted carries the closed block's receipt counters.
type BlockUpdateCompleted struct {
	Receipt ReceiptData
}

// CheatcodeCompleted carries a cheatcode's return value.
type CheatcodeCompleted struct {
	Result CheatcodeResult
}

// CallCompleted carries the result of a non-committing execution.
type CallCompleted struct {
	Result ExecResult
}

// TransactionCompleted carries the result of a committed transaction
// together with its receipt counters.
type TransactionCompleted struct {
	Result  ExecResult
	Receipt ReceiptData
}

// SetGasPriceCompleted acknowledges a SetGasPrice.
type SetGasPriceCompleted struct{}

// QueryCompleted carries a query answer rendered as a decimal string.
type QueryCompleted struct {
	Value string
}

// StopCompleted surrenders the database on shutdown.
type StopCompleted struct {
	DB *Database
}

func (*AddAccountCompleted) isOutcome()   {}
func (*BlockUpdateCompleted) isOutcome()  {}
func (*CheatcodeCompleted) isOutcome()    {}
func (*CallCompleted) isOutcome()         {}
func (*TransactionCompleted) isOutcome()  {}
func (*SetGasPriceCompleted) isOutcome()  {}
func (*QueryCompleted) isOutcome()        {}
func (*StopCompleted) isOutcome()         {}

// ExecResult is the distilled outcome of one successful EVM execution.
// Failed executions surface as errors, never as an ExecResult.
type ExecResult struct {
	GasUsed uint64
	Output  []byte
	Logs    []*types.Log
	// ContractAddress is set for successful contract creations.
	ContractAddress *common.Address
}

// ReceiptData carries the worker's per-block transaction counters. Both
// counters reset on every block boundary.
type ReceiptData struct {
	BlockNumber      uint64
	TransactionIndex uint64
	// CumulativeGasPerBlock is the running total of gas used by committed
	// transactions in the block, this transaction included.
	CumulativeGasPerBlock *uint256.Int
}

// ---------------------------------------------------------------------------
// Deterministic pseudo-hashes
// ---------------------------------------------------------------------------

// The simulator does not compute trie roots, so real Ethereum transaction
// and block hashes are out of reach. These deterministic stand-ins keep
// receipts reproducible across runs; they are not Keccak-consistent with a
// live chain.

// PseudoTxHash derives a transaction hash from the sender and calldata.
func PseudoTxHash(caller common.Address, data []byte) common.Hash {
	h := sha256.New()
	h.Write(caller.Bytes())
	h.Write(data)
	return common.BytesToHash(h.Sum(nil))
}

// PseudoBlockHash derives a block hash from the decimal rendering of the
// block number.
func PseudoBlockHash(number uint64) common.Hash {
	sum := sha256.Sum256([]byte(strconv.FormatUint(number, 10)))
	return common.BytesToHash(sum[:])
}
