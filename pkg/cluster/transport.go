// Package cluster implements the master's cluster dispatcher and each
// node's coordinator (spec.md §4.2/§4.3), plus the inter-node
// transport those two talk over (spec.md §6 "Inter-node protocol").
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrNoRequestPending is returned by MasterTransport.NextRequest when
// the caller-supplied context expires before any node asked for work.
// The dispatcher uses this to implement its cooperative poll cycle
// (spec.md §5 "The master's dispatcher thread does yield
// cooperatively between poll cycles to avoid busy-spin") rather than
// blocking forever on one node's request.
var ErrNoRequestPending = errors.New("cluster: no request pending")

// MasterTransport is the master side of the inter-node protocol: wait
// for any node's "more work" token, then reply with a work-item index
// or the sentinel -1.
type MasterTransport interface {
	// NextRequest blocks until some node asks for work, or ctx is
	// done, and returns that node's id. Returns ErrNoRequestPending
	// if ctx expires first (not a protocol error).
	NextRequest(ctx context.Context) (nodeID string, err error)
	// Reply sends the single int32 reply to the named node: either a
	// non-negative work-item index, or -1 for "no more work."
	Reply(ctx context.Context, nodeID string, workItemIndex int32) error
}

// NodeTransport is the node side: send a "more work" token and block
// for the single int32 reply.
type NodeTransport interface {
	RequestWork(ctx context.Context, nodeID string) (int32, error)
}

// RedisTransport implements both MasterTransport and NodeTransport
// over Redis lists, chosen because the teacher's own stack already
// depends on github.com/redis/go-redis/v9 for exactly this
// request/reply-over-list shape (worker/main.go's BLPop/RPush poll
// loop), reused here instead of adding a second transport dependency.
//
// Protocol: node does RPUSH requestsKey nodeID, then BLPOP on its own
// reply list replyKey(nodeID). Master does BLPOP requestsKey, then
// RPUSH replyKey(nodeID) the single int32 reply.
type RedisTransport struct {
	client      *redis.Client
	requestsKey string
}

// NewRedisTransport builds a transport over the given client. requestsKey
// namespaces the request list so multiple concurrent runs against the
// same Redis instance don't collide (analogous to the teacher's
// RedisQueueKey).
func NewRedisTransport(client *redis.Client, requestsKey string) *RedisTransport {
	if requestsKey == "" {
		requestsKey = "dispatch:requests"
	}
	return &RedisTransport{client: client, requestsKey: requestsKey}
}

func (t *RedisTransport) replyKey(nodeID string) string {
	return fmt.Sprintf("dispatch:reply:%s", nodeID)
}

// NextRequest implements MasterTransport.
func (t *RedisTransport) NextRequest(ctx context.Context) (string, error) {
	res, err := t.client.BLPop(ctx, 0, t.requestsKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", ErrNoRequestPending
		}
		return "", fmt.Errorf("cluster: blpop requests: %w", err)
	}
	if len(res) < 2 {
		return "", fmt.Errorf("cluster: malformed request entry %v", res)
	}
	return res[1], nil
}

// Reply implements MasterTransport.
func (t *RedisTransport) Reply(ctx context.Context, nodeID string, workItemIndex int32) error {
	payload := strconv.FormatInt(int64(workItemIndex), 10)
	if err := t.client.RPush(ctx, t.replyKey(nodeID), payload).Err(); err != nil {
		return fmt.Errorf("cluster: rpush reply for %s: %w", nodeID, err)
	}
	return nil
}

// RequestWork implements NodeTransport.
func (t *RedisTransport) RequestWork(ctx context.Context, nodeID string) (int32, error) {
	if err := t.client.RPush(ctx, t.requestsKey, nodeID).Err(); err != nil {
		return 0, fmt.Errorf("cluster: rpush request for %s: %w", nodeID, err)
	}
	res, err := t.client.BLPop(ctx, 0, t.replyKey(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cluster: blpop reply for %s: %w", nodeID, err)
	}
	if len(res) < 2 {
		return 0, fmt.Errorf("cluster: malformed reply entry %v", res)
	}
	parsed, err := strconv.ParseInt(res[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("cluster: reply %q for %s not an int32: %w", res[1], nodeID, err)
	}
	return int32(parsed), nil
}
