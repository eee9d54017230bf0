package broker

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// conn abstracts the transport under a broker client so the TCP listener and
// the websocket shim share one packet loop.
type conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// client is one connected downstream MQTT client.
type client struct {
	id   string
	conn conn

	// sendMu serializes writes so concurrently fanned-out packets never
	// interleave on the wire.
	sendMu sync.Mutex

	// subs is an immutable snapshot set of topic filters, replaced wholesale
	// on every SUBSCRIBE/UNSUBSCRIBE so the fan-out path reads without locks.
	subs atomic.Pointer[map[string]struct{}]

	closed atomic.Bool
}

func newClient(id string, c conn) *client {
	cl := &client{id: id, conn: c}
	empty := map[string]struct{}{}
	cl.subs.Store(&empty)
	return cl
}

// send writes one pre-encoded packet. A failed write closes the client.
func (c *client) send(pkt []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return io.ErrClosedPipe
	}
	if _, err := c.conn.Write(pkt); err != nil {
		c.close()
		return err
	}
	return nil
}

// close is idempotent; closing the conn unblocks the reader goroutine.
func (c *client) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

func (c *client) subscriptions() map[string]struct{} {
	return *c.subs.Load()
}

// replaceSubscriptions swaps in a new snapshot and returns which filters were
// added and which removed relative to the previous one.
func (c *client) replaceSubscriptions(next map[string]struct{}) (added, removed []string) {
	prev := c.subscriptions()
	for f := range next {
		if _, ok := prev[f]; !ok {
			added = append(added, f)
		}
	}
	for f := range prev {
		if _, ok := next[f]; !ok {
			removed = append(removed, f)
		}
	}
	c.subs.Store(&next)
	return added, removed
}

func (c *client) subscribedTo(topic string) bool {
	for filter := range c.subscriptions() {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}
