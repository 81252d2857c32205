package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crucible-sim/crucible/environment"
)

// filterReceiver pairs a filter specification with its inbound event
// queue. Only logs whose address and leading topics satisfy the query are
// handed to the filter's reader.
type filterReceiver struct {
	query   ethereum.FilterQuery
	subID   uint64
	events  <-chan environment.Broadcast
	stopped bool
}

// FilterID derives the canonical identifier of a filter query: the
// SHA-256 of its canonical JSON serialization. The same query always
// yields the same id, on any client.
func FilterID(query ethereum.FilterQuery) (common.Hash, error) {
	canonical := struct {
		BlockHash *common.Hash     `json:"blockHash"`
		FromBlock *big.Int         `json:"fromBlock"`
		ToBlock   *big.Int         `json:"toBlock"`
		Addresses []common.Address `json:"addresses"`
		Topics    [][]common.Hash  `json:"topics"`
	}{query.BlockHash, query.FromBlock, query.ToBlock, query.Addresses, query.Topics}

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return common.Hash{}, fmt.Errorf("serialize filter: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return common.BytesToHash(sum[:]), nil
}

// NewFilter registers a log filter with the environment's broadcaster and
// returns its id. Installing the same query twice is idempotent.
func (c *Client) NewFilter(query ethereum.FilterQuery) (common.Hash, error) {
	id, err := FilterID(query)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.filters[id]; ok {
		return id, nil
	}
	subID, events := c.env.Subscribe()
	c.filters[id] = &filterReceiver{query: query, subID: subID, events: events}
	return id, nil
}

// UninstallFilter removes a filter installed by NewFilter. Returns whether
// the filter existed.
func (c *Client) UninstallFilter(id common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.filters[id]
	if !ok {
		return false
	}
	delete(c.filters, id)
	c.env.Unsubscribe(rec.subID)
	return true
}

// FilterChanges drains the filter's queue and returns the logs that
// arrived since the last poll and match the filter's criteria.
func (c *Client) FilterChanges(id common.Hash) ([]*types.Log, error) {
	c.mu.Lock()
	rec, ok := c.filters[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownFilter
	}

	var matched []*types.Log
	for {
		select {
		case broadcast, open := <-rec.events:
			if !open {
				rec.stopped = true
				return matched, nil
			}
			switch b := broadcast.(type) {
			case *environment.StopSignal:
				rec.stopped = true
				return matched, nil
			case *environment.Event:
				for _, lg := range b.Logs {
					if matchLog(rec.query, lg) {
						matched = append(matched, lg)
					}
				}
			}
		default:
			return matched, nil
		}
	}
}

// Watch subscribes to logs matching the query and returns the stream.
// The stream closes when the context is cancelled or the environment
// stops; there is no separate synchronisation step.
func (c *Client) Watch(ctx context.Context, query ethereum.FilterQuery) (<-chan *types.Log, error) {
	if _, err := FilterID(query); err != nil {
		return nil, err
	}
	subID, events := c.env.Subscribe()
	out := make(chan *types.Log, 16)

	go func() {
		defer close(out)
		defer c.env.Unsubscribe(subID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.env.Done():
				return
			case broadcast, open := <-events:
				if !open {
					return
				}
				switch b := broadcast.(type) {
				case *environment.StopSignal:
					return
				case *environment.Event:
					for _, lg := range b.Logs {
						if !matchLog(query, lg) {
							continue
						}
						select {
						case out <- lg:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return out, nil
}

// matchLog applies a filter query to one log: the address must be in the
// query's address set (an empty set matches everything) and each leading
// topic position must match one of the query's alternatives (an empty
// position is a wildcard).
func matchLog(query ethereum.FilterQuery, lg *types.Log) bool {
	if len(query.Addresses) > 0 {
		found := false
		for _, addr := range query.Addresses {
			if addr == lg.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for i, alternatives := range query.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if topic == lg.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
