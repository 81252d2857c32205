package environment

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/crucible-sim/crucible/log"
	"github.com/crucible-sim/crucible/metrics"
)

// worker is the single execution thread that owns the EVM. It consumes one
// instruction at a time, mutates the database through go-ethereum's state
// transition, and publishes transaction logs on the broadcast bus. The
// worker never suspends except when blocked on the inbound queue.
type worker struct {
	env    *Environment
	db     *Database
	insp   *inspector
	logger *log.Logger
	conlog *log.Logger

	chainConfig *params.ChainConfig

	blockNumber    uint64
	blockTimestamp uint64
	blockGasLimit  uint64

	gasPrice *uint256.Int

	// Per-block receipt counters; both reset on every block boundary.
	txIndex       uint64
	cumulativeGas *uint256.Int

	// Sampled-block state, nil/zero under user-controlled policies.
	blockSampler *SeededPoisson
	txsRemaining uint64
	gasSampler   *SeededPoisson

	// txSeq counts executions across the environment's lifetime. The
	// user-visible pseudo transaction hash repeats for identical
	// (caller, data) pairs, so the state journal is keyed by a unique
	// per-execution hash instead.
	txSeq uint64
}

func newWorker(e *Environment) *worker {
	w := &worker{
		env:           e,
		db:            e.db,
		insp:          newInspector(e.db, e.cfg.ConsoleLogs),
		logger:        e.logger.Module("worker"),
		conlog:        e.logger.Module("console"),
		chainConfig:   params.MergedTestChainConfig,
		blockGasLimit: math.MaxUint64,
		gasPrice:      uint256.NewInt(0),
		cumulativeGas: uint256.NewInt(0),
	}
	if gl := e.cfg.GasLimit; gl != nil && gl.IsUint64() {
		w.blockGasLimit = gl.Uint64()
	}

	switch e.cfg.GasSettings.Mode {
	case GasConstant:
		if e.cfg.GasSettings.Price != nil {
			w.gasPrice = new(uint256.Int).Set(e.cfg.GasSettings.Price)
		}
	case GasRandomlySampled:
		w.gasSampler = NewSeededPoisson(1, e.cfg.BlockSettings.Seed+1)
		w.resampleGasPrice()
	}

	if e.cfg.BlockSettings.Mode == BlockRandomlySampled {
		w.blockSampler = NewSeededPoisson(e.cfg.BlockSettings.Rate, e.cfg.BlockSettings.Seed)
		w.txsRemaining = w.nextBlockSize()
	}
	return w
}

// run is the worker's main loop. It exits only on a Stop instruction;
// whatever is still queued at that point is failed rather than stranded.
func (w *worker) run() {
	w.logger.Info("environment worker started")
	for {
		instr, ok := w.env.queue.pop()
		if !ok {
			break
		}
		metrics.InstructionsReceived.Inc()
		stopTimer := metrics.InstructionLatency.Time()
		stopped := w.dispatch(instr)
		stopTimer()
		if stopped {
			break
		}
	}

	close(w.env.done)
	for _, instr := range w.env.queue.close() {
		w.send(instr.replyChannel(), Result{Err: ErrEnvironmentStopped})
	}
	w.logger.Info("environment worker terminated")
}

// dispatch handles one instruction, returning true on Stop.
func (w *worker) dispatch(instr Instruction) bool {
	switch i := instr.(type) {
	case *AddAccount:
		if err := w.db.AddAccount(i.Address); err != nil {
			w.send(i.Reply, Result{Err: err})
		} else {
			w.logger.Debug("account added", "address", i.Address.Hex())
			w.send(i.Reply, Result{Outcome: &AddAccountCompleted{}})
		}

	case *BlockUpdate:
		w.handleBlockUpdate(i)

	case *ApplyCheatcode:
		w.handleCheatcode(i)

	case *Call:
		w.handleCall(i)

	case *Transaction:
		w.handleTransaction(i)

	case *SetGasPrice:
		if w.env.cfg.GasSettings.Mode != GasUserControlled {
			w.logger.Warn("gas price update disregarded", "policy", w.env.cfg.GasSettings.Mode.String())
		} else if i.Price != nil {
			w.gasPrice = new(uint256.Int).Set(i.Price)
		}
		w.send(i.Reply, Result{Outcome: &SetGasPriceCompleted{}})

	case *Query:
		w.handleQuery(i)

	case *Stop:
		w.env.broadcaster.send(&StopSignal{})
		w.send(i.Reply, Result{Outcome: &StopCompleted{DB: w.db}})
		return true

	default:
		w.logger.Error("unknown instruction", "type", fmt.Sprintf("%T", instr))
		w.send(instr.replyChannel(), Result{Err: fmt.Errorf("unknown instruction %T", instr)})
	}
	return false
}

// handleBlockUpdate replies with the counters of the block being closed
// before mutating the block environment; the ordering is observable.
func (w *worker) handleBlockUpdate(i *BlockUpdate) {
	if w.env.cfg.BlockSettings.Mode != BlockUserControlled {
		w.logger.Warn("block update disregarded", "policy", "randomly_sampled")
		w.send(i.Reply, Result{Outcome: &BlockUpdateCompleted{Receipt: w.receiptData()}})
		return
	}

	w.send(i.Reply, Result{Outcome: &BlockUpdateCompleted{Receipt: w.receiptData()}})

	w.blockNumber = i.Number
	w.blockTimestamp = i.Timestamp
	w.resetCounters()
	if w.gasSampler != nil {
		w.resampleGasPrice()
	}
	metrics.BlockHeight.Set(int64(w.blockNumber))
	w.logger.Debug("block updated", "number", i.Number, "timestamp", i.Timestamp)
}

func (w *worker) handleCheatcode(i *ApplyCheatcode) {
	switch c := i.Cheatcode.(type) {
	case *LoadCheatcode:
		value, err := w.db.StorageAt(c.Account, c.Key)
		if err != nil {
			w.send(i.Reply, Result{Err: err})
			return
		}
		w.send(i.Reply, Result{Outcome: &CheatcodeCompleted{Result: &LoadResult{Value: value}}})

	case *StoreCheatcode:
		if err := w.db.SetStorage(c.Account, c.Key, c.Value); err != nil {
			w.send(i.Reply, Result{Err: err})
			return
		}
		w.send(i.Reply, Result{Outcome: &CheatcodeCompleted{Result: &StoreResult{}}})

	case *DealCheatcode:
		if err := w.db.Deal(c.Account, c.Amount); err != nil {
			w.send(i.Reply, Result{Err: err})
			return
		}
		w.send(i.Reply, Result{Outcome: &CheatcodeCompleted{Result: &DealResult{}}})

	case *AccessCheatcode:
		snapshot, err := w.db.Access(c.Account)
		if err != nil {
			w.send(i.Reply, Result{Err: err})
			return
		}
		w.send(i.Reply, Result{Outcome: &CheatcodeCompleted{Result: &AccessResult{Snapshot: snapshot}}})

	default:
		w.send(i.Reply, Result{Err: fmt.Errorf("unknown cheatcode %T", i.Cheatcode)})
	}
}

// handleCall executes without committing; the database is left untouched.
func (w *worker) handleCall(i *Call) {
	res, err := w.transact(i.Tx, false)
	w.insp.drainConsole(w.conlog)
	if err != nil {
		w.send(i.Reply, Result{Err: err})
		return
	}
	metrics.CallsExecuted.Inc()
	w.send(i.Reply, Result{Outcome: &CallCompleted{Result: res}})
}

// handleTransaction executes and commits. On success the log broadcast
// precedes the reply; on failure nothing is broadcast and the counters do
// not advance.
func (w *worker) handleTransaction(i *Transaction) {
	res, err := w.transact(i.Tx, true)
	w.insp.drainConsole(w.conlog)
	if err != nil {
		metrics.TransactionsFailed.Inc()
		w.send(i.Reply, Result{Err: err})
		return
	}

	w.cumulativeGas.Add(w.cumulativeGas, uint256.NewInt(res.GasUsed))
	receipt := w.receiptData()

	w.env.broadcaster.send(&Event{Logs: res.Logs})
	w.send(i.Reply, Result{Outcome: &TransactionCompleted{Result: res, Receipt: receipt}})
	w.txIndex++

	metrics.TransactionsCommitted.Inc()
	metrics.GasUsed.Observe(int64(res.GasUsed))

	w.afterCommit()
}

func (w *worker) handleQuery(i *Query) {
	var value string
	switch i.Kind {
	case QueryBlockNumber:
		value = strconv.FormatUint(w.blockNumber, 10)
	case QueryBlockTimestamp:
		value = strconv.FormatUint(w.blockTimestamp, 10)
	case QueryGasPrice:
		value = w.gasPrice.Dec()
	case QueryBalance:
		balance, err := w.db.Balance(i.Address)
		if err != nil {
			w.send(i.Reply, Result{Err: err})
			return
		}
		value = balance.Dec()
	case QueryTransactionCount:
		nonce, err := w.db.Nonce(i.Address)
		if err != nil {
			w.send(i.Reply, Result{Err: err})
			return
		}
		value = strconv.FormatUint(nonce, 10)
	default:
		w.send(i.Reply, Result{Err: fmt.Errorf("unknown query kind %d", i.Kind)})
		return
	}
	w.send(i.Reply, Result{Outcome: &QueryCompleted{Value: value}})
}

// transact runs one execution against the database. With commit=false the
// state is always rolled back; with commit=true it is rolled back only on
// failure, so a failed transaction leaves the database unchanged.
func (w *worker) transact(tx TxEnv, commit bool) (ExecResult, error) {
	var res ExecResult
	err := w.db.update(func(st *state.StateDB) error {
		nonce := st.GetNonce(tx.Caller)
		if tx.Nonce != nil {
			nonce = *tx.Nonce
		}
		msg := w.buildMessage(tx, nonce)

		evmCfg := vm.Config{
			Tracer:    w.insp.hooks(),
			NoBaseFee: !w.env.cfg.PayGas,
		}
		evm := vm.NewEVM(w.blockContext(), st, w.chainConfig, evmCfg)
		w.insp.clearDestructs()

		txHash := PseudoTxHash(tx.Caller, tx.Data)
		journalHash := executionHash(txHash, w.txSeq)
		w.txSeq++
		st.SetTxContext(journalHash, int(w.txIndex))
		snapshot := st.Snapshot()

		gp := new(core.GasPool).AddGas(w.blockGasLimit)
		result, err := core.ApplyMessage(evm, msg, gp)
		if err != nil {
			st.RevertToSnapshot(snapshot)
			return &EVMError{Err: err}
		}
		if result.Failed() {
			st.RevertToSnapshot(snapshot)
			return &EVMError{Err: result.Err, Revert: result.Revert()}
		}

		res.GasUsed = result.UsedGas
		res.Output = result.Return()

		if tx.To == nil {
			created := crypto.CreateAddress(tx.Caller, nonce)
			if limit := w.env.cfg.ContractSizeLimit; limit > 0 && uint64(len(st.GetCode(created))) > limit {
				st.RevertToSnapshot(snapshot)
				return &EVMError{Err: vm.ErrMaxCodeSizeExceeded}
			}
			res.ContractAddress = &created
		}

		if !commit {
			st.RevertToSnapshot(snapshot)
			return nil
		}

		res.Logs = st.GetLogs(journalHash, w.blockNumber, PseudoBlockHash(w.blockNumber), w.blockTimestamp)
		for _, lg := range res.Logs {
			lg.TxHash = txHash
		}

		// A SELFDESTRUCT opcode only wipes state when the journal agrees
		// (EIP-6780 restricts it to same-transaction creations).
		for _, destructed := range w.insp.takeDestructs() {
			if st.HasSelfDestructed(destructed) {
				w.db.markStorageCleared(destructed)
			}
		}

		st.Finalise(true)

		// Tags reflect post-finalisation existence: a destructed or swept
		// account reports not-existing, everything else touched.
		w.db.touch(tx.Caller)
		if res.ContractAddress != nil {
			w.db.touch(*res.ContractAddress)
		}
		return nil
	})
	if err != nil {
		return ExecResult{}, err
	}
	return res, nil
}

// buildMessage maps a TxEnv onto go-ethereum's state transition input.
// Nonce checks are skipped: the environment derives nonces from the
// database itself, so there is nothing to cross-validate against.
func (w *worker) buildMessage(tx TxEnv, nonce uint64) *core.Message {
	price := new(big.Int)
	if w.env.cfg.PayGas && tx.GasPrice != nil {
		price = tx.GasPrice.ToBig()
	}
	value := new(big.Int)
	if tx.Value != nil {
		value = tx.Value.ToBig()
	}
	gasLimit := tx.GasLimit
	if gasLimit == 0 || gasLimit > w.blockGasLimit {
		gasLimit = w.blockGasLimit
	}
	return &core.Message{
		From:                  tx.Caller,
		To:                    tx.To,
		Nonce:                 nonce,
		Value:                 value,
		GasLimit:              gasLimit,
		GasPrice:              price,
		GasFeeCap:             new(big.Int).Set(price),
		GasTipCap:             new(big.Int).Set(price),
		Data:                  tx.Data,
		AccessList:            tx.AccessList,
		SkipNonceChecks:       true,
		SkipTransactionChecks: true,
	}
}

// blockContext builds the block-level EVM inputs from the worker's current
// block environment.
func (w *worker) blockContext() vm.BlockContext {
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     PseudoBlockHash,
		Coinbase:    common.Address{},
		GasLimit:    w.blockGasLimit,
		BlockNumber: new(big.Int).SetUint64(w.blockNumber),
		Time:        w.blockTimestamp,
		Difficulty:  new(big.Int),
		BaseFee:     new(big.Int),
		BlobBaseFee: big.NewInt(1),
		Random:      new(common.Hash),
	}
}

// executionHash derives the unique per-execution hash used to key the
// state journal's log storage.
func executionHash(txHash common.Hash, seq uint64) common.Hash {
	var buf [40]byte
	copy(buf[:32], txHash[:])
	binary.BigEndian.PutUint64(buf[32:], seq)
	return common.Hash(sha256.Sum256(buf[:]))
}

// receiptData snapshots the per-block counters for the current block.
func (w *worker) receiptData() ReceiptData {
	return ReceiptData{
		BlockNumber:           w.blockNumber,
		TransactionIndex:      w.txIndex,
		CumulativeGasPerBlock: new(uint256.Int).Set(w.cumulativeGas),
	}
}

func (w *worker) resetCounters() {
	w.txIndex = 0
	w.cumulativeGas = uint256.NewInt(0)
}

// afterCommit advances the sampled block once enough transactions have
// been committed into it. No-op under the user-controlled block policy.
func (w *worker) afterCommit() {
	if w.blockSampler == nil {
		return
	}
	w.txsRemaining--
	if w.txsRemaining > 0 {
		return
	}

	w.blockNumber++
	w.blockTimestamp += w.env.cfg.BlockSettings.BlockTime
	w.resetCounters()
	w.txsRemaining = w.nextBlockSize()
	if w.gasSampler != nil {
		w.resampleGasPrice()
	}
	metrics.BlockHeight.Set(int64(w.blockNumber))
	w.logger.Debug("sampled block advanced",
		"number", w.blockNumber, "next_block_txs", w.txsRemaining)
}

// nextBlockSize draws the transaction count of the next sampled block. A
// zero draw is bumped to one so the simulation always makes progress.
func (w *worker) nextBlockSize() uint64 {
	n := w.blockSampler.Sample()
	if n == 0 {
		n = 1
	}
	return n
}

// resampleGasPrice re-draws the sampled gas price. The price is the
// configured multiplier scaled by one plus a Poisson draw, so it is always
// positive and deterministic per seed.
func (w *worker) resampleGasPrice() {
	multiplier := w.env.cfg.GasSettings.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	sample := w.gasSampler.Sample()
	w.gasPrice = new(uint256.Int).Mul(
		uint256.NewInt(multiplier),
		uint256.NewInt(1+sample),
	)
}

// send posts the result on a reply channel. The channel is buffered, so
// this only fails if the client misused the channel; the worker logs and
// keeps going rather than crash the environment.
func (w *worker) send(reply chan Result, res Result) {
	if reply == nil {
		w.logger.Warn("instruction carried no reply channel")
		return
	}
	select {
	case reply <- res:
	default:
		w.logger.Warn("reply channel dropped, outcome discarded")
	}
}
