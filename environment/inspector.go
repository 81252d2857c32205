package environment

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crucible-sim/crucible/log"
)

// consoleAddress is the Hardhat console contract address; the ASCII bytes
// of "console.log" padded into the low 20 bytes.
var consoleAddress = common.HexToAddress("0x000000000000000000636F6e736F6c652e6c6f67")

// inspector observes EVM execution through go-ethereum's live tracing
// hooks. It serves three jobs: capturing console.log-style calls for
// forwarding to the host logger, indexing SSTORE targets so the database
// can enumerate storage in Access snapshots, and noting SELFDESTRUCT
// executions so destructed accounts get their state tags updated.
//
// The hooks run inside the worker's transact step, under the database
// lock, so no additional synchronisation is needed.
type inspector struct {
	db             *Database
	captureConsole bool
	consoleBuf     [][]byte
	destructs      []common.Address
}

func newInspector(db *Database, captureConsole bool) *inspector {
	return &inspector{db: db, captureConsole: captureConsole}
}

// hooks returns the tracing hooks to install into vm.Config.
func (in *inspector) hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter:  in.onEnter,
		OnOpcode: in.onOpcode,
	}
}

func (in *inspector) onEnter(depth int, typ byte, from common.Address, to common.Address, input []byte, gas uint64, value *big.Int) {
	if in.captureConsole && to == consoleAddress && len(input) >= 4 {
		in.consoleBuf = append(in.consoleBuf, bytes.Clone(input))
	}
}

func (in *inspector) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	if err != nil {
		return
	}
	switch op {
	case byte(vm.SSTORE):
		stack := scope.StackData()
		if len(stack) == 0 {
			return
		}
		slot := common.Hash(stack[len(stack)-1].Bytes32())
		in.db.recordSlot(scope.Address(), slot)
	case byte(vm.SELFDESTRUCT):
		in.destructs = append(in.destructs, scope.Address())
	}
}

// clearDestructs resets the self-destruct buffer before an execution.
func (in *inspector) clearDestructs() {
	in.destructs = in.destructs[:0]
}

// takeDestructs returns the addresses that executed SELFDESTRUCT during
// the last execution and resets the buffer. Whether a destruct actually
// took effect is for the caller to decide against the state journal.
func (in *inspector) takeDestructs() []common.Address {
	destructs := in.destructs
	in.destructs = nil
	return destructs
}

// drainConsole decodes every captured console call and forwards it to the
// given logger, then resets the buffer. Called by the worker after each
// call or transaction.
func (in *inspector) drainConsole(logger *log.Logger) {
	if len(in.consoleBuf) == 0 {
		return
	}
	for _, input := range in.consoleBuf {
		if msg, ok := decodeConsoleCall(input); ok {
			logger.Debug("console log", "message", msg)
		} else {
			logger.Debug("undecodable console call", "selector", hexutil.Encode(input[:4]))
		}
	}
	in.consoleBuf = in.consoleBuf[:0]
}

// ---------------------------------------------------------------------------
// console.log ABI decoding
// ---------------------------------------------------------------------------

// consoleSig is one recognised console.log signature.
type consoleSig struct {
	signature string
	args      abi.Arguments
}

// consoleSigs maps 4-byte selectors to decoders for the practical subset
// of console.sol overloads: the scalar types and their common pairs. The
// legacy "uint"/"int" spellings hash to different selectors than the
// canonical ones, so both are registered.
var consoleSigs = make(map[[4]byte]consoleSig)

func init() {
	register := func(signature string, types ...string) {
		args := make(abi.Arguments, len(types))
		for i, t := range types {
			ty, err := abi.NewType(t, "", nil)
			if err != nil {
				panic(fmt.Sprintf("console abi type %q: %v", t, err))
			}
			args[i] = abi.Argument{Type: ty}
		}
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
		consoleSigs[sel] = consoleSig{signature: signature, args: args}
	}

	register("log()")
	register("log(string)", "string")
	register("log(uint256)", "uint256")
	register("log(uint)", "uint256")
	register("log(int256)", "int256")
	register("log(int)", "int256")
	register("log(bool)", "bool")
	register("log(address)", "address")
	register("log(bytes32)", "bytes32")
	register("log(string,string)", "string", "string")
	register("log(string,uint256)", "string", "uint256")
	register("log(string,uint)", "string", "uint256")
	register("log(string,bool)", "string", "bool")
	register("log(string,address)", "string", "address")
	register("log(uint256,uint256)", "uint256", "uint256")
	register("log(uint,uint)", "uint256", "uint256")
	register("log(address,uint256)", "address", "uint256")
	register("log(string,string,string)", "string", "string", "string")
	register("log(string,uint256,uint256)", "string", "uint256", "uint256")
}

// decodeConsoleCall renders one captured console call as a printable line.
func decodeConsoleCall(input []byte) (string, bool) {
	if len(input) < 4 {
		return "", false
	}
	var sel [4]byte
	copy(sel[:], input[:4])
	sig, ok := consoleSigs[sel]
	if !ok {
		return "", false
	}
	values, err := sig.args.Unpack(input[4:])
	if err != nil {
		return "", false
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatConsoleValue(v)
	}
	return strings.Join(parts, " "), true
}

func formatConsoleValue(v interface{}) string {
	switch val := v.(type) {
	case [32]byte:
		return hexutil.Encode(val[:])
	case common.Address:
		return val.Hex()
	default:
		return fmt.Sprint(val)
	}
}
