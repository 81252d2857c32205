// Command crucible runs a small scripted scenario against a sandboxed EVM
// environment: it registers a pair of clients, funds the sender with a cheatcode,
// pushes a few value transfers through the worker, advances a block, and
// prints the resulting receipts and metrics.
//
// Usage:
//
//	crucible [flags]
//
// Flags:
//
//	--label      Environment label carried in log context (default: demo)
//	--txs        Number of value transfers to commit (default: 4)
//	--seed       Client identity seed (default: crucible-demo)
//	--pay-gas    Enforce gas payment and balance checks (default: false)
//	--verbosity  Log level: debug, info, warn, error (default: info)
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/holiman/uint256"

	"github.com/crucible-sim/crucible/environment"
	"github.com/crucible-sim/crucible/log"
	"github.com/crucible-sim/crucible/metrics"
	"github.com/crucible-sim/crucible/middleware"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	flags := flag.NewFlagSet("crucible", flag.ContinueOnError)
	label := flags.String("label", "demo", "environment label")
	txs := flags.Int("txs", 4, "number of value transfers to commit")
	seed := flags.String("seed", "crucible-demo", "client identity seed")
	payGas := flags.Bool("pay-gas", false, "enforce gas payment")
	verbosity := flags.String("verbosity", "info", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	log.SetDefault(log.New(log.ParseLevel(*verbosity)))

	cfg := environment.DefaultConfig()
	cfg.Label = *label
	cfg.PayGas = *payGas

	env, err := environment.New(&cfg)
	if err != nil {
		log.Error("create environment", "err", err)
		return 1
	}
	env.Start()

	ctx := context.Background()

	sender, err := middleware.New(env, []byte(*seed))
	if err != nil {
		log.Error("create sender client", "err", err)
		return 1
	}
	receiver, err := middleware.New(env, []byte(*seed+"-receiver"))
	if err != nil {
		log.Error("create receiver client", "err", err)
		return 1
	}

	// Fund the sender out of band.
	funding := uint256.NewInt(1_000_000_000)
	if _, err := sender.ApplyCheatcode(ctx, &environment.DealCheatcode{
		Account: sender.Address(),
		Amount:  funding,
	}); err != nil {
		log.Error("fund sender", "err", err)
		return 1
	}

	to := receiver.Address()
	for i := 0; i < *txs; i++ {
		pending, err := sender.SendTransaction(ctx, ethereum.CallMsg{
			To:    &to,
			Value: big.NewInt(1000),
		})
		if err != nil {
			log.Error("send transaction", "err", err)
			return 1
		}
		receipt := pending.Receipt()
		fmt.Printf("tx %d: hash=%s block=%d index=%d gas=%d cumulative=%d\n",
			i, receipt.TxHash.Hex(), receipt.BlockNumber.Uint64(),
			receipt.TransactionIndex, receipt.GasUsed, receipt.CumulativeGasUsed)
	}

	closed, err := sender.UpdateBlock(ctx, 1, 12)
	if err != nil {
		log.Error("update block", "err", err)
		return 1
	}
	fmt.Printf("block 0 closed: txs=%d gas=%s\n",
		closed.TransactionIndex, closed.CumulativeGasPerBlock.Dec())

	balance, err := sender.BalanceAt(ctx, receiver.Address())
	if err != nil {
		log.Error("query balance", "err", err)
		return 1
	}
	fmt.Printf("receiver balance: %s\n", balance)

	db, err := env.Stop()
	if err != nil {
		log.Error("stop environment", "err", err)
		return 1
	}
	defer db.Close()

	fmt.Println("metrics:")
	snapshot := metrics.DefaultRegistry.Snapshot()
	for _, name := range metrics.DefaultRegistry.Names() {
		fmt.Printf("  %s = %v\n", name, snapshot[name])
	}
	return 0
}
