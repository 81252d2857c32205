package middleware

import (
	"context"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestFilterIDDeterministic(t *testing.T) {
	queryA := ethereum.FilterQuery{Addresses: []common.Address{common.HexToAddress("0x01")}}
	queryB := ethereum.FilterQuery{Addresses: []common.Address{common.HexToAddress("0x02")}}

	idA1, err := FilterID(queryA)
	if err != nil {
		t.Fatalf("FilterID error: %v", err)
	}
	idA2, err := FilterID(queryA)
	if err != nil {
		t.Fatalf("FilterID error: %v", err)
	}
	if idA1 != idA2 {
		t.Error("same query produced different ids")
	}

	idB, err := FilterID(queryB)
	if err != nil {
		t.Fatalf("FilterID error: %v", err)
	}
	if idA1 == idB {
		t.Error("different queries produced the same id")
	}
}

func TestMatchLog(t *testing.T) {
	addrA := common.HexToAddress("0x01")
	addrB := common.HexToAddress("0x02")
	topicX := common.HexToHash("0xaa")
	topicY := common.HexToHash("0xbb")

	tests := []struct {
		name  string
		query ethereum.FilterQuery
		log   types.Log
		want  bool
	}{
		{
			name:  "empty query matches everything",
			query: ethereum.FilterQuery{},
			log:   types.Log{Address: addrA},
			want:  true,
		},
		{
			name:  "address match",
			query: ethereum.FilterQuery{Addresses: []common.Address{addrA}},
			log:   types.Log{Address: addrA},
			want:  true,
		},
		{
			name:  "address mismatch",
			query: ethereum.FilterQuery{Addresses: []common.Address{addrA}},
			log:   types.Log{Address: addrB},
			want:  false,
		},
		{
			name:  "topic match",
			query: ethereum.FilterQuery{Topics: [][]common.Hash{{topicX}}},
			log:   types.Log{Address: addrA, Topics: []common.Hash{topicX}},
			want:  true,
		},
		{
			name:  "topic alternative match",
			query: ethereum.FilterQuery{Topics: [][]common.Hash{{topicY, topicX}}},
			log:   types.Log{Address: addrA, Topics: []common.Hash{topicX}},
			want:  true,
		},
		{
			name:  "topic mismatch",
			query: ethereum.FilterQuery{Topics: [][]common.Hash{{topicY}}},
			log:   types.Log{Address: addrA, Topics: []common.Hash{topicX}},
			want:  false,
		},
		{
			name:  "topic position beyond log topics",
			query: ethereum.FilterQuery{Topics: [][]common.Hash{nil, {topicY}}},
			log:   types.Log{Address: addrA, Topics: []common.Hash{topicX}},
			want:  false,
		},
		{
			name:  "wildcard position",
			query: ethereum.FilterQuery{Topics: [][]common.Hash{nil}},
			log:   types.Log{Address: addrA},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg := tt.log
			if got := matchLog(tt.query, &lg); got != tt.want {
				t.Errorf("matchLog = %v, want %v", got, tt.want)
			}
		})
	}
}

// initCodeFor wraps a runtime in the canonical deploy preamble: copy the
// runtime into memory, return it.
func initCodeFor(t *testing.T, runtime []byte) []byte {
	t.Helper()
	if len(runtime) > 0xff {
		t.Fatalf("runtime too long for PUSH1 preamble: %d bytes", len(runtime))
	}
	size := byte(len(runtime))
	preamble := []byte{
		0x60, size, // PUSH1 <len>
		0x60, 0x0c, // PUSH1 12 (offset of runtime in this code)
		0x60, 0x00, // PUSH1 0
		0x39,       // CODECOPY
		0x60, size, // PUSH1 <len>
		0x60, 0x00, // PUSH1 0
		0xf3, // RETURN
	}
	return append(preamble, runtime...)
}

// logOnlyRuntime emits a single LOG0 and stops.
func logOnlyRuntime() []byte {
	return []byte{0x60, 0x00, 0x60, 0x00, 0xa0, 0x00}
}

// logAndCallRuntime emits a LOG0 from itself, then calls the target so the
// target logs too. One transaction, logs at two addresses.
func logAndCallRuntime(target common.Address) []byte {
	code := []byte{0x60, 0x00, 0x60, 0x00, 0xa0} // LOG0
	for i := 0; i < 5; i++ {
		code = append(code, 0x60, 0x00) // retLen retOff argsLen argsOff value
	}
	code = append(code, 0x73) // PUSH20
	code = append(code, target.Bytes()...)
	code = append(code, 0x5a, 0xf1, 0x50, 0x00) // GAS CALL POP STOP
	return code
}

func deploy(t *testing.T, client *Client, runtime []byte) common.Address {
	t.Helper()
	pending, err := client.SendTransaction(context.Background(), ethereum.CallMsg{
		Data: initCodeFor(t, runtime),
	})
	if err != nil {
		t.Fatalf("deploy error: %v", err)
	}
	receipt := pending.Receipt()
	if receipt.ContractAddress == (common.Address{}) {
		t.Fatal("deploy produced no contract address")
	}
	return receipt.ContractAddress
}

// S6: one transaction logs at two contracts; each address filter receives
// exactly its own log.
func TestWatchFanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	client := newTestClient(t, env, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contractB := deploy(t, client, logOnlyRuntime())
	contractA := deploy(t, client, logAndCallRuntime(contractB))

	watchA, err := client.Watch(ctx, ethereum.FilterQuery{Addresses: []common.Address{contractA}})
	if err != nil {
		t.Fatalf("Watch A error: %v", err)
	}
	watchB, err := client.Watch(ctx, ethereum.FilterQuery{Addresses: []common.Address{contractB}})
	if err != nil {
		t.Fatalf("Watch B error: %v", err)
	}

	pending, err := client.SendTransaction(ctx, ethereum.CallMsg{To: &contractA})
	if err != nil {
		t.Fatalf("SendTransaction error: %v", err)
	}
	if got := len(pending.Receipt().Logs); got != 2 {
		t.Fatalf("transaction emitted %d logs, want 2", got)
	}

	receive := func(name string, ch <-chan *types.Log, want common.Address) {
		t.Helper()
		select {
		case lg := <-ch:
			if lg.Address != want {
				t.Errorf("%s received log at %s, want %s", name, lg.Address.Hex(), want.Hex())
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s received nothing", name)
		}
	}
	receive("filter A", watchA, contractA)
	receive("filter B", watchB, contractB)

	// Each filter saw exactly its own sublist.
	select {
	case lg := <-watchA:
		t.Errorf("filter A received extra log at %s", lg.Address.Hex())
	case lg := <-watchB:
		t.Errorf("filter B received extra log at %s", lg.Address.Hex())
	case <-time.After(100 * time.Millisecond):
	}
}

// The synthesized bloom covers every log address and topic.
func TestReceiptBloom(t *testing.T) {
	env := newTestEnv(t, nil)
	client := newTestClient(t, env, "alice")
	ctx := context.Background()

	contract := deploy(t, client, logOnlyRuntime())
	pending, err := client.SendTransaction(ctx, ethereum.CallMsg{To: &contract})
	if err != nil {
		t.Fatalf("SendTransaction error: %v", err)
	}
	receipt := pending.Receipt()
	if len(receipt.Logs) != 1 {
		t.Fatalf("emitted %d logs, want 1", len(receipt.Logs))
	}

	if !types.BloomLookup(receipt.Bloom, contract) {
		t.Error("bloom does not cover the log address")
	}
	if types.BloomLookup(receipt.Bloom, common.HexToAddress("0x1234")) {
		t.Error("bloom covers an unrelated address")
	}
}

func TestNewFilterAndFilterChanges(t *testing.T) {
	env := newTestEnv(t, nil)
	client := newTestClient(t, env, "alice")
	ctx := context.Background()

	contract := deploy(t, client, logOnlyRuntime())

	id, err := client.NewFilter(ethereum.FilterQuery{Addresses: []common.Address{contract}})
	if err != nil {
		t.Fatalf("NewFilter error: %v", err)
	}

	// Installing the same query again is idempotent.
	again, err := client.NewFilter(ethereum.FilterQuery{Addresses: []common.Address{contract}})
	if err != nil {
		t.Fatalf("NewFilter error: %v", err)
	}
	if id != again {
		t.Error("reinstalling the same query produced a different id")
	}

	if _, err := client.SendTransaction(ctx, ethereum.CallMsg{To: &contract}); err != nil {
		t.Fatalf("SendTransaction error: %v", err)
	}

	logs, err := client.FilterChanges(id)
	if err != nil {
		t.Fatalf("FilterChanges error: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("FilterChanges returned %d logs, want 1", len(logs))
	}
	if logs[0].Address != contract {
		t.Errorf("log address = %s, want %s", logs[0].Address.Hex(), contract.Hex())
	}

	// A second poll finds nothing new.
	logs, err = client.FilterChanges(id)
	if err != nil {
		t.Fatalf("FilterChanges error: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("second poll returned %d logs, want 0", len(logs))
	}

	// A transfer tx that emits nothing leaves the filter empty.
	other := newTestClient(t, env, "bob")
	fund(t, other, 10)
	target := client.Address()
	if _, err := other.SendTransaction(ctx, ethereum.CallMsg{To: &target, Value: big.NewInt(1)}); err != nil {
		t.Fatalf("transfer error: %v", err)
	}
	logs, err = client.FilterChanges(id)
	if err != nil {
		t.Fatalf("FilterChanges error: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("poll after plain transfer returned %d logs, want 0", len(logs))
	}

	if !client.UninstallFilter(id) {
		t.Error("UninstallFilter returned false for an installed filter")
	}
	if _, err := client.FilterChanges(id); err == nil {
		t.Error("FilterChanges succeeded on an uninstalled filter")
	}
}

// The watch stream closes on environment shutdown.
func TestWatchClosesOnStop(t *testing.T) {
	env := newTestEnv(t, nil)
	client := newTestClient(t, env, "alice")

	stream, err := client.Watch(context.Background(), ethereum.FilterQuery{})
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	db, err := env.Stop()
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	defer db.Close()

	select {
	case _, open := <-stream:
		if open {
			t.Error("stream delivered a log instead of closing")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after stop")
	}
}
