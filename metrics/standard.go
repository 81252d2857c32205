package metrics

// Pre-defined metrics for the crucible simulation environment. All metrics
// live in DefaultRegistry so they are globally accessible without passing a
// registry around. Environments share the registry; per-environment
// breakdowns belong in log context, not metric names.

var (
	// ---- Worker metrics ----

	// InstructionsReceived counts instructions dequeued by EVM workers.
	InstructionsReceived = DefaultRegistry.Counter("worker.instructions")
	// TransactionsCommitted counts state-changing transactions applied.
	TransactionsCommitted = DefaultRegistry.Counter("worker.transactions_committed")
	// TransactionsFailed counts transactions rejected by the EVM.
	TransactionsFailed = DefaultRegistry.Counter("worker.transactions_failed")
	// CallsExecuted counts non-committing call executions.
	CallsExecuted = DefaultRegistry.Counter("worker.calls")
	// GasUsed records per-transaction gas consumption.
	GasUsed = DefaultRegistry.Histogram("worker.gas_used")
	// InstructionLatency records per-instruction handling time in
	// milliseconds, including EVM execution.
	InstructionLatency = DefaultRegistry.Histogram("worker.instruction_ms")
	// BlockHeight tracks the current block number of the most recently
	// advanced environment.
	BlockHeight = DefaultRegistry.Gauge("worker.block_height")

	// ---- Broadcaster metrics ----

	// EventsBroadcast counts broadcasts (log batches and stop signals)
	// sent while at least one subscriber is registered.
	EventsBroadcast = DefaultRegistry.Counter("broadcaster.events")
	// EventsDropped counts broadcasts discarded because a subscriber's
	// queue was full.
	EventsDropped = DefaultRegistry.Counter("broadcaster.dropped")
	// Subscribers tracks the current number of live subscribers.
	Subscribers = DefaultRegistry.Gauge("broadcaster.subscribers")

	// ---- Middleware metrics ----

	// ClientRequests counts instruction round-trips issued by clients.
	ClientRequests = DefaultRegistry.Counter("middleware.requests")
	// ClientErrors counts client operations that returned an error.
	ClientErrors = DefaultRegistry.Counter("middleware.errors")
)
