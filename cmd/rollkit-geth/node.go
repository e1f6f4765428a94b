package main

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/eth"
	"github.com/ethereum/go-ethereum/eth/catalyst"
	"github.com/ethereum/go-ethereum/eth/tracers"
	"github.com/ethereum/go-ethereum/log"
	gethnode "github.com/ethereum/go-ethereum/node"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/rollkit/rollkit-geth/internal/rollkit/forwarder"
	"github.com/rollkit/rollkit-geth/internal/rollkit/supervisor"
	rollkittxpool "github.com/rollkit/rollkit-geth/internal/rollkit/txpool"
)

// makeFullNode creates and configures the go-ethereum node with all
// services. When cfg.Rollkit.Enable is set, the Engine API is served by
// RollkitEngineAPI instead of the host's standard catalyst.ConsensusAPI,
// and the txpoolExt RPC extension is registered alongside it. If a
// forwarder endpoint is configured, a transaction forwarder is
// constructed and returned so it can be closed on shutdown; no RPC
// method is routed through it.
func makeFullNode(cfg *rollkitGethConfig) (*gethnode.Node, *eth.Ethereum, *forwarder.Forwarder) {
	stack, err := gethnode.New(&cfg.Node)
	if err != nil {
		log.Crit("Failed to create P2P node", "err", err)
	}

	backend, err := eth.New(stack, &cfg.Eth)
	if err != nil {
		log.Crit("Failed to create Ethereum service", "err", err)
	}

	stack.RegisterAPIs(tracers.APIs(backend.APIBackend))

	if !cfg.Rollkit.Enable {
		if err := catalyst.Register(stack, backend); err != nil {
			log.Crit("Failed to register Engine API", "err", err)
		}
		return stack, backend, nil
	}

	engineAPI := NewRollkitEngineAPI(backend)
	stack.RegisterAPIs([]rpc.API{
		{Namespace: "engine", Service: engineAPI, Version: "1.0", Authenticated: true},
	})

	bc := backend.BlockChain()
	selector := rollkittxpool.NewSelector(&poolAdapter{pool: backend.TxPool()}, func() *big.Int {
		return currentBaseFee(bc)
	})
	maxBytes := cfg.Rollkit.MaxPoolSliceBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxPoolSliceBytes
	}
	stack.RegisterAPIs([]rpc.API{
		{Namespace: "txpoolExt", Service: rollkittxpool.NewAPI(selector, maxBytes), Version: "1.0"},
	})

	var fwd *forwarder.Forwarder
	if cfg.Rollkit.ForwarderEndpoint != "" {
		fwd = forwarder.New(forwarder.Config{
			Endpoint:        cfg.Rollkit.ForwarderEndpoint,
			QueueSize:       cfg.Rollkit.ForwarderQueueSize,
			RateLimitPerSec: rate.Limit(cfg.Rollkit.ForwarderRatePerSec),
			AuthHeader:      cfg.Rollkit.ForwarderAuthHeader,
		})
		log.Info("transaction forwarder enabled", "endpoint", cfg.Rollkit.ForwarderEndpoint)
	}

	return stack, backend, fwd
}

// defaultMaxPoolSliceBytes matches the original Rollkit node's
// DEFAULT_MAX_TXPOOL_BYTES (1,980 KiB).
const defaultMaxPoolSliceBytes = 1_980 * 1024

// stackNode adapts a *gethnode.Node plus its forwarder to
// supervisor.Node, so the process supervisor can drive startup/shutdown
// without depending on cmd/rollkit-geth's concrete types.
type stackNode struct {
	stack *gethnode.Node
	fwd   *forwarder.Forwarder

	exit chan error
}

func newStackNode(stack *gethnode.Node, fwd *forwarder.Forwarder) *stackNode {
	n := &stackNode{stack: stack, fwd: fwd, exit: make(chan error, 1)}
	// stack.Wait() unblocks whenever the node closes, whether that's
	// through our own Stop() below or the node closing itself (a
	// subsystem lifecycle failing fatally and tearing the stack down
	// without going through this supervisor). Either way the supervisor
	// needs to observe it.
	go func() {
		n.stack.Wait()
		n.signalExit(nil)
	}()
	return n
}

func (n *stackNode) Wait() <-chan error { return n.exit }

// signalExit delivers err to the exit channel at most once; whichever of
// Stop's explicit Close() or the background Wait() goroutine observes
// termination first wins, and the other is a no-op.
func (n *stackNode) signalExit(err error) {
	select {
	case n.exit <- err:
	default:
	}
}

func (n *stackNode) Stop() {
	if n.fwd != nil {
		n.fwd.Close()
	}
	n.signalExit(n.stack.Close())
}

// runSupervised starts stack and blocks until the process supervisor
// decides to exit, returning the process's intended exit code: 0 on
// clean shutdown, 1 on error or graceful-shutdown timeout.
func runSupervised(stack *gethnode.Node, fwd *forwarder.Forwarder) int {
	if err := stack.Start(); err != nil {
		log.Crit("Failed to start node", "err", err)
	}

	node := newStackNode(stack, fwd)
	sup := supervisor.New(supervisor.ConfigFromEnv())

	if err := sup.Run(context.Background(), node); err != nil {
		log.Error("node exited with error", "err", err)
		return 1
	}
	return 0
}
