// Package environment implements a sandboxed, deterministic EVM execution
// environment for agent-based simulations. A single worker goroutine owns
// the EVM and its world-state database; concurrent clients drive it through
// a serialized instruction channel and observe emitted contract logs
// through a broadcast bus.
//
// The EVM itself is go-ethereum's, used as a library: the worker applies
// messages with core.ApplyMessage against an in-memory StateDB, committing
// or reverting per instruction.
package environment

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/crucible-sim/crucible/log"
)

// Config collects the knobs of an Environment. The zero value of every
// field is a usable default; DefaultConfig spells the defaults out.
type Config struct {
	// Label is a diagnostic tag carried in log context.
	Label string

	// GasLimit is the block gas limit. Nil means effectively unlimited.
	GasLimit *uint256.Int

	// ContractSizeLimit caps deployed contract code size in bytes.
	// Zero keeps the EVM library's own cap.
	ContractSizeLimit uint64

	// ConsoleLogs attaches an inspector that captures console.log-style
	// calls and forwards decoded messages to the host logger.
	ConsoleLogs bool

	// PayGas makes callers actually pay for gas, with balance checks
	// enforced by the EVM. When false, execution charges nothing.
	PayGas bool

	// DB is an optional pre-populated database, e.g. from a forked state
	// import. Nil starts empty.
	DB *Database

	// BlockSettings determines how block numbers and timestamps advance.
	BlockSettings BlockSettings

	// GasSettings determines how gas-price queries are answered.
	GasSettings GasSettings

	// Logger overrides the default process logger.
	Logger *log.Logger
}

// DefaultConfig returns a configuration with user-controlled block and gas
// policies, no gas payment, and an empty database.
func DefaultConfig() Config {
	return Config{
		BlockSettings: BlockSettings{Mode: BlockUserControlled},
		GasSettings:   GasSettings{Mode: GasUserControlled},
	}
}

// Environment is a sandboxed EVM bound to an in-memory world state. It is
// constructed with New, begins executing after Start, and runs until Stop.
// All interaction goes through typed instructions; see Submit.
type Environment struct {
	cfg         Config
	db          *Database
	broadcaster *EventBroadcaster
	queue       *instructionQueue
	done        chan struct{}

	startOnce sync.Once
	wg        sync.WaitGroup

	logger *log.Logger
}

// New creates an environment. The worker does not run until Start.
func New(cfg *Config) (*Environment, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	} else {
		c = DefaultConfig()
	}

	db := c.DB
	if db == nil {
		var err error
		db, err = NewDatabase()
		if err != nil {
			return nil, err
		}
	}

	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.Environment(c.Label)

	return &Environment{
		cfg:         c,
		db:          db,
		broadcaster: newEventBroadcaster(logger.Module("broadcaster")),
		queue:       newInstructionQueue(),
		done:        make(chan struct{}),
		logger:      logger,
	}, nil
}

// Start spawns the worker goroutine. Calling Start more than once has no
// effect.
func (e *Environment) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			newWorker(e).run()
		}()
	})
}

// Label returns the environment's diagnostic tag.
func (e *Environment) Label() string { return e.cfg.Label }

// Done returns a channel closed when the worker has terminated. Clients
// use it to detect a vanished environment instead of waiting forever.
func (e *Environment) Done() <-chan struct{} { return e.done }

// Submit enqueues one instruction for the worker. The queue is unbounded,
// so Submit never blocks; it fails only after the worker has terminated.
func (e *Environment) Submit(instr Instruction) error {
	if !e.queue.push(instr) {
		return ErrEnvironmentStopped
	}
	return nil
}

// Subscribe registers a broadcast subscriber. See EventBroadcaster.
func (e *Environment) Subscribe() (uint64, <-chan Broadcast) {
	return e.broadcaster.Subscribe()
}

// Unsubscribe removes a broadcast subscriber.
func (e *Environment) Unsubscribe(id uint64) {
	e.broadcaster.Unsubscribe(id)
}

// Stop terminates the worker and returns the final database. This cannot
// be undone; every subsequent Submit fails with ErrEnvironmentStopped.
func (e *Environment) Stop() (*Database, error) {
	reply := NewReply()
	if err := e.Submit(&Stop{Reply: reply}); err != nil {
		return nil, err
	}
	res := <-reply
	if res.Err != nil {
		return nil, res.Err
	}
	completed, ok := res.Outcome.(*StopCompleted)
	if !ok {
		return nil, ErrStopFailed
	}
	e.wg.Wait()
	e.logger.Info("environment stopped")
	return completed.DB, nil
}

// ---------------------------------------------------------------------------
// Instruction queue
// ---------------------------------------------------------------------------

// instructionQueue is a multi-producer single-consumer FIFO with no
// capacity bound, so producers never block on a full buffer. The worker is
// the only consumer.
type instructionQueue struct {
	mu     sync.Mutex
	items  []Instruction
	signal chan struct{}
	closed bool
}

func newInstructionQueue() *instructionQueue {
	return &instructionQueue{signal: make(chan struct{}, 1)}
}

// push appends one instruction. Returns false once the queue is closed.
func (q *instructionQueue) push(instr Instruction) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, instr)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// pop blocks until an instruction is available or the queue is closed.
func (q *instructionQueue) pop() (Instruction, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			instr := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return instr, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close seals the queue and returns whatever was still pending, so the
// worker can fail those instructions instead of stranding their senders.
func (q *instructionQueue) close() []Instruction {
	q.mu.Lock()
	q.closed = true
	pending := q.items
	q.items = nil
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return pending
}
