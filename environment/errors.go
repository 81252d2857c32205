package environment

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Sentinel errors for the environment. Middleware and agent code match on
// these with errors.Is.
var (
	// ErrAccountExists is returned by AddAccount for an address that is
	// already registered. The existing account is left unchanged.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountNotFound is returned by cheatcodes and queries that target
	// an unregistered address.
	ErrAccountNotFound = errors.New("account does not exist")

	// ErrEnvironmentStopped is returned by Submit once the worker has
	// terminated. Instructions are never silently dropped; after shutdown
	// every submission fails fast with this error.
	ErrEnvironmentStopped = errors.New("environment is offline")

	// ErrStopFailed indicates Stop did not receive a StopCompleted
	// outcome, which would mean the worker violated its own protocol.
	ErrStopFailed = errors.New("stop did not complete")

	// ErrReplyDropped indicates a reply channel was abandoned before the
	// worker could post an outcome. The worker logs and continues.
	ErrReplyDropped = errors.New("reply channel dropped")
)

// EVMError wraps a failure reported by the underlying interpreter: an
// invalid transaction, an execution halt, or a revert. The database is
// left exactly as it was before the failing execution.
type EVMError struct {
	// Err is the interpreter's error, e.g. vm.ErrExecutionReverted.
	Err error
	// Revert holds the raw revert payload when the execution reverted.
	Revert []byte
}

// Error renders the interpreter failure, decoding a solidity revert reason
// when one is present.
func (e *EVMError) Error() string {
	if len(e.Revert) > 0 {
		if reason, err := abi.UnpackRevert(e.Revert); err == nil {
			return fmt.Sprintf("evm: execution reverted: %s", reason)
		}
		return fmt.Sprintf("evm: execution reverted (%d bytes of return data)", len(e.Revert))
	}
	return fmt.Sprintf("evm: %v", e.Err)
}

// Unwrap exposes the interpreter error for errors.Is matching.
func (e *EVMError) Unwrap() error { return e.Err }
