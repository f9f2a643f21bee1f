package cluster

import (
	"context"
	"fmt"
	"sync"
)

// LocalTransport is an in-process implementation of MasterTransport
// and NodeTransport over Go channels, used for single-process cluster
// simulation and for unit-testing the dispatcher/coordinator logic
// without a running Redis instance. It implements the identical
// single-int32 request/reply contract RedisTransport does (spec.md §6
// "Inter-node protocol"), just without the network hop.
type LocalTransport struct {
	requests chan string

	mu      sync.Mutex
	replyCh map[string]chan int32
}

// NewLocalTransport builds a transport with room for the given number
// of outstanding requests before a node's RequestWork call blocks.
func NewLocalTransport(requestBuffer int) *LocalTransport {
	return &LocalTransport{
		requests: make(chan string, requestBuffer),
		replyCh:  make(map[string]chan int32),
	}
}

func (t *LocalTransport) replyChanFor(nodeID string) chan int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.replyCh[nodeID]
	if !ok {
		ch = make(chan int32, 1)
		t.replyCh[nodeID] = ch
	}
	return ch
}

// NextRequest implements MasterTransport.
func (t *LocalTransport) NextRequest(ctx context.Context) (string, error) {
	select {
	case nodeID := <-t.requests:
		return nodeID, nil
	case <-ctx.Done():
		return "", ErrNoRequestPending
	}
}

// Reply implements MasterTransport.
func (t *LocalTransport) Reply(ctx context.Context, nodeID string, workItemIndex int32) error {
	select {
	case t.replyChanFor(nodeID) <- workItemIndex:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cluster: reply to %s cancelled: %w", nodeID, ctx.Err())
	}
}

// RequestWork implements NodeTransport.
func (t *LocalTransport) RequestWork(ctx context.Context, nodeID string) (int32, error) {
	select {
	case t.requests <- nodeID:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case idx := <-t.replyChanFor(nodeID):
		return idx, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
