package environment

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
)

// AccountTag tracks the EVM state-semantics of an account for clearing
// purposes, mirroring the lifecycle the interpreter applies to touched and
// destructed accounts.
type AccountTag int

const (
	// TagNone marks a freshly registered account.
	TagNone AccountTag = iota
	// TagTouched marks an account that has been mutated.
	TagTouched
	// TagStorageCleared marks an account whose storage was wiped.
	TagStorageCleared
	// TagNotExisting marks an account known to be absent.
	TagNotExisting
)

// String returns the tag name used in snapshots and logs.
func (t AccountTag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagTouched:
		return "touched"
	case TagStorageCleared:
		return "storage_cleared"
	case TagNotExisting:
		return "not_existing"
	default:
		return "unknown"
	}
}

// accountRecord is the registry entry for one known account: its state tag
// and the set of storage slots the environment has seen written, used to
// materialise Access snapshots (go-ethereum's StateDB cannot enumerate
// uncommitted storage).
type accountRecord struct {
	tag   AccountTag
	slots map[common.Hash]struct{}
}

// AccountSnapshot is a point-in-time copy of one account, returned by the
// Access cheatcode.
type AccountSnapshot struct {
	Tag      AccountTag
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Code     []byte
	Storage  map[common.Hash]common.Hash
}

// AccountSeed describes one account for database pre-population, e.g. from
// an external fork importer.
type AccountSeed struct {
	Balance *uint256.Int
	Nonce   uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// Database owns the simulated world state: every account's balance, nonce,
// code, and storage. It wraps a go-ethereum in-memory StateDB together with
// a registry of known accounts.
//
// The worker holds the lock for the duration of each mutating
// instruction, so the state is never observable mid-transaction. Peeks
// (balance and nonce queries, storage loads, Access snapshots) may run
// from any goroutine, which matters after the worker has shut down and
// surrendered the database. go-ethereum's StateDB populates internal
// caches even on reads, so peeks serialize on the same lock instead of
// sharing a read guard.
type Database struct {
	mu       sync.Mutex
	state    *state.StateDB
	triedb   *triedb.Database
	registry map[common.Address]*accountRecord
}

// NewDatabase creates an empty in-memory database.
func NewDatabase() (*Database, error) {
	kv := rawdb.NewMemoryDatabase()
	tdb := triedb.NewDatabase(kv, nil)
	sdb := state.NewDatabase(tdb, nil)
	statedb, err := state.New(common.Hash{}, sdb)
	if err != nil {
		return nil, err
	}
	return &Database{
		state:    statedb,
		triedb:   tdb,
		registry: make(map[common.Address]*accountRecord),
	}, nil
}

// Close releases the trie database resources. The database must not be
// used afterwards.
func (db *Database) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.triedb != nil {
		db.triedb.Close()
		db.triedb = nil
	}
}

// update runs fn with exclusive access to the underlying state. The worker
// uses this for every transact step.
func (db *Database) update(fn func(st *state.StateDB) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn(db.state)
}

// AddAccount registers a fresh, empty account. Registering an address
// twice returns ErrAccountExists and leaves the first account unchanged.
func (db *Database) AddAccount(addr common.Address) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.registry[addr]; ok {
		return ErrAccountExists
	}
	db.state.CreateAccount(addr)
	db.registry[addr] = &accountRecord{tag: TagNone, slots: make(map[common.Hash]struct{})}
	return nil
}

// SeedAccount installs a pre-populated account, overwriting any previous
// registration. Used to import external state before the environment runs.
func (db *Database) SeedAccount(addr common.Address, seed AccountSeed) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec := db.ensureRecord(addr)
	db.state.CreateAccount(addr)
	if seed.Balance != nil {
		db.state.AddBalance(addr, seed.Balance, tracing.BalanceChangeUnspecified)
	}
	db.state.SetNonce(addr, seed.Nonce, tracing.NonceChangeUnspecified)
	if len(seed.Code) > 0 {
		db.state.SetCode(addr, seed.Code, tracing.CodeChangeUnspecified)
	}
	for key, val := range seed.Storage {
		db.state.SetState(addr, key, val)
		rec.slots[key] = struct{}{}
	}
}

// Deal adds amount to the account's balance.
func (db *Database) Deal(addr common.Address, amount *uint256.Int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.exists(addr) {
		return ErrAccountNotFound
	}
	db.state.AddBalance(addr, amount, tracing.BalanceChangeUnspecified)
	db.ensureRecord(addr).tag = TagTouched
	return nil
}

// SetStorage writes one storage slot unconditionally.
func (db *Database) SetStorage(addr common.Address, key, value common.Hash) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.exists(addr) {
		return ErrAccountNotFound
	}
	db.state.SetState(addr, key, value)
	rec := db.ensureRecord(addr)
	rec.tag = TagTouched
	rec.slots[key] = struct{}{}
	return nil
}

// StorageAt reads one storage slot. A slot never written reads as zero.
func (db *Database) StorageAt(addr common.Address, key common.Hash) (common.Hash, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.exists(addr) {
		return common.Hash{}, ErrAccountNotFound
	}
	return db.state.GetState(addr, key), nil
}

// Balance reads an account balance.
func (db *Database) Balance(addr common.Address) (*uint256.Int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.exists(addr) {
		return nil, ErrAccountNotFound
	}
	return new(uint256.Int).Set(db.state.GetBalance(addr)), nil
}

// Nonce reads an account nonce.
func (db *Database) Nonce(addr common.Address) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.exists(addr) {
		return 0, ErrAccountNotFound
	}
	return db.state.GetNonce(addr), nil
}

// Exists reports whether the address is known, either through explicit
// registration or through state created by executed transactions.
func (db *Database) Exists(addr common.Address) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.exists(addr)
}

// Access returns a point-in-time snapshot of the account.
func (db *Database) Access(addr common.Address) (AccountSnapshot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.exists(addr) {
		return AccountSnapshot{}, ErrAccountNotFound
	}

	snap := AccountSnapshot{
		Tag:      TagNone,
		Balance:  new(uint256.Int).Set(db.state.GetBalance(addr)),
		Nonce:    db.state.GetNonce(addr),
		CodeHash: db.state.GetCodeHash(addr),
		Code:     db.state.GetCode(addr),
		Storage:  make(map[common.Hash]common.Hash),
	}
	if rec, ok := db.registry[addr]; ok {
		snap.Tag = rec.tag
		for slot := range rec.slots {
			snap.Storage[slot] = db.state.GetState(addr, slot)
		}
	}
	return snap, nil
}

// exists must be called with the lock held.
func (db *Database) exists(addr common.Address) bool {
	if _, ok := db.registry[addr]; ok {
		return true
	}
	return db.state.Exist(addr)
}

// ensureRecord must be called with the lock held.
func (db *Database) ensureRecord(addr common.Address) *accountRecord {
	rec, ok := db.registry[addr]
	if !ok {
		rec = &accountRecord{tag: TagNone, slots: make(map[common.Hash]struct{})}
		db.registry[addr] = rec
	}
	return rec
}

// touch records an account's post-execution tag. An account that no
// longer exists in state after finalisation (destructed, or swept as
// empty) is tagged not-existing; anything else that went through an
// execution is tagged touched. The lock must be held; the worker calls
// this from inside a transact step, after Finalise.
func (db *Database) touch(addr common.Address) {
	rec := db.ensureRecord(addr)
	if db.state.Exist(addr) {
		rec.tag = TagTouched
	} else {
		rec.tag = TagNotExisting
	}
}

// markStorageCleared tags an account whose storage was wiped by a
// self-destruct and forgets its indexed slots. The lock must be held;
// the worker calls this from inside a transact step, before Finalise.
func (db *Database) markStorageCleared(addr common.Address) {
	rec := db.ensureRecord(addr)
	rec.tag = TagStorageCleared
	rec.slots = make(map[common.Hash]struct{})
}

// recordSlot notes a storage slot written during EVM execution so Access
// snapshots can enumerate it later. The lock must be held; the SSTORE
// inspector calls this from inside a transact step.
func (db *Database) recordSlot(addr common.Address, slot common.Hash) {
	rec := db.ensureRecord(addr)
	rec.slots[slot] = struct{}{}
}
