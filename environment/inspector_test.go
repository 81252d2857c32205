package environment

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crucible-sim/crucible/log"
)

// packConsoleCall builds the calldata a contract would send to the console
// address for the given signature.
func packConsoleCall(t *testing.T, signature string, values ...interface{}) []byte {
	t.Helper()
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	sig, ok := consoleSigs[sel]
	if !ok {
		t.Fatalf("signature %q not registered", signature)
	}
	packed, err := sig.args.Pack(values...)
	if err != nil {
		t.Fatalf("pack %q: %v", signature, err)
	}
	return append(sel[:], packed...)
}

func TestDecodeConsoleCallString(t *testing.T) {
	input := packConsoleCall(t, "log(string)", "hello world")

	msg, ok := decodeConsoleCall(input)
	if !ok {
		t.Fatal("decode failed")
	}
	if msg != "hello world" {
		t.Errorf("decoded = %q, want %q", msg, "hello world")
	}
}

func TestDecodeConsoleCallStringUint(t *testing.T) {
	input := packConsoleCall(t, "log(string,uint256)", "price", big.NewInt(42))

	msg, ok := decodeConsoleCall(input)
	if !ok {
		t.Fatal("decode failed")
	}
	if msg != "price 42" {
		t.Errorf("decoded = %q, want %q", msg, "price 42")
	}
}

func TestDecodeConsoleCallAddress(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	input := packConsoleCall(t, "log(address)", addr)

	msg, ok := decodeConsoleCall(input)
	if !ok {
		t.Fatal("decode failed")
	}
	if msg != addr.Hex() {
		t.Errorf("decoded = %q, want %q", msg, addr.Hex())
	}
}

func TestDecodeConsoleCallBool(t *testing.T) {
	input := packConsoleCall(t, "log(bool)", true)

	msg, ok := decodeConsoleCall(input)
	if !ok {
		t.Fatal("decode failed")
	}
	if msg != "true" {
		t.Errorf("decoded = %q, want %q", msg, "true")
	}
}

func TestDecodeConsoleCallUnknownSelector(t *testing.T) {
	if _, ok := decodeConsoleCall([]byte{0xde, 0xad, 0xbe, 0xef}); ok {
		t.Fatal("decoded an unregistered selector")
	}
	if _, ok := decodeConsoleCall([]byte{0x01}); ok {
		t.Fatal("decoded a truncated input")
	}
}

// The legacy uint spelling hashes to its own selector but decodes the
// same way as uint256.
func TestDecodeConsoleCallLegacyUint(t *testing.T) {
	input := packConsoleCall(t, "log(uint)", big.NewInt(7))

	msg, ok := decodeConsoleCall(input)
	if !ok {
		t.Fatal("decode failed")
	}
	if msg != "7" {
		t.Errorf("decoded = %q, want %q", msg, "7")
	}
}

func TestConsoleBufferDrains(t *testing.T) {
	db := newTestDatabase(t)
	in := newInspector(db, true)

	in.onEnter(1, 0xf1, common.Address{}, consoleAddress, packConsoleCall(t, "log(string)", "one"), 0, nil)
	in.onEnter(1, 0xf1, common.Address{}, consoleAddress, packConsoleCall(t, "log(string)", "two"), 0, nil)
	if len(in.consoleBuf) != 2 {
		t.Fatalf("buffered %d calls, want 2", len(in.consoleBuf))
	}

	in.drainConsole(log.Default())
	if len(in.consoleBuf) != 0 {
		t.Errorf("buffer holds %d calls after drain, want 0", len(in.consoleBuf))
	}
}

// Calls to other addresses, and all calls when capture is off, are not
// buffered.
func TestConsoleCaptureFiltering(t *testing.T) {
	db := newTestDatabase(t)

	captureOn := newInspector(db, true)
	captureOn.onEnter(1, 0xf1, common.Address{}, common.HexToAddress("0x01"), []byte{1, 2, 3, 4}, 0, nil)
	if len(captureOn.consoleBuf) != 0 {
		t.Error("buffered a call to a non-console address")
	}

	captureOff := newInspector(db, false)
	captureOff.onEnter(1, 0xf1, common.Address{}, consoleAddress, packConsoleCallRaw(), 0, nil)
	if len(captureOff.consoleBuf) != 0 {
		t.Error("buffered a console call with capture disabled")
	}
}

func packConsoleCallRaw() []byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte("log()"))[:4])
	return sel[:]
}
