// Package broker is a minimal MQTT 3.1.1 broker that works around the
// printer's 1-2 client connection limit: any number of local clients
// (slicers, dashboards) connect here and are multiplexed through the single
// upstream session. Semantics are QoS-0 fan-out; downstream QoS-1 publishes
// get a PUBACK but are never retried.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/printnest/bambulink/engine"
)

const (
	maxClients        = 20
	preConnectTimeout = 30 * time.Second
	connackAccepted   = 0x00
)

// Upstream is the slice of the printer session the broker needs. Injected at
// construction so neither package imports the other's concrete type.
type Upstream interface {
	PublishRaw(topic string, payload []byte) error
	SubscribeUpstream(filter string) error
	UnsubscribeUpstream(filter string) error
}

type Broker struct {
	addr     string
	upstream Upstream

	mu      sync.Mutex
	clients map[string]*client

	connCount atomic.Int32
}

func New(port int, upstream Upstream) *Broker {
	return &Broker{
		addr:     fmt.Sprintf("0.0.0.0:%d", port),
		upstream: upstream,
		clients:  map[string]*client{},
	}
}

func (b *Broker) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(b.listen)
}

func (b *Broker) listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("binding local mqtt listener: %w", err)
	}
	slog.Info("local mqtt broker listening", "addr", b.addr)
	return b.acceptLoop(ctx, ln)
}

func (b *Broker) acceptLoop(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("broker accept failed", "error", err)
			continue
		}
		if b.connCount.Load() >= maxClients {
			slog.Warn("rejecting mqtt client, connection limit reached", "remote", c.RemoteAddr())
			c.Close()
			continue
		}
		b.connCount.Add(1)
		go func() {
			defer b.connCount.Add(-1)
			b.ServeConn(c)
		}()
	}
}

// ServeConn runs the packet loop for one downstream connection. Exported so
// the websocket shim can feed it upgraded connections.
func (b *Broker) ServeConn(c conn) {
	cl, keepaliveTimeout, err := b.handshake(c)
	if err != nil {
		c.Close()
		return
	}
	defer b.dropClient(cl)

	for {
		c.SetReadDeadline(time.Now().Add(keepaliveTimeout))
		pkt, err := readPacket(c)
		if err != nil {
			if !errors.Is(err, io.EOF) && !cl.closed.Load() {
				slog.Debug("broker client read failed", "client", cl.id, "error", err)
			}
			return
		}
		if err := b.dispatch(cl, pkt); err != nil {
			slog.Debug("disconnecting broker client", "client", cl.id, "error", err)
			return
		}
	}
}

// handshake reads CONNECT, answers CONNACK, then registers the client.
// Ordering is critical: CONNACK must be on the wire before registration so a
// routed PUBLISH can never beat it.
func (b *Broker) handshake(c conn) (*client, time.Duration, error) {
	c.SetReadDeadline(time.Now().Add(preConnectTimeout))
	pkt, err := readPacket(c)
	if err != nil {
		return nil, 0, err
	}
	if pkt.Type != packetConnect {
		return nil, 0, fmt.Errorf("expected CONNECT, got packet type %d", pkt.Type)
	}
	info, err := parseConnect(pkt.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed CONNECT: %w", err)
	}

	id := info.ClientID
	if id == "" {
		id = "anon-" + uuid.NewString()
	}
	cl := newClient(id, c)

	timeout := preConnectTimeout
	if info.KeepAliveSec > 0 {
		timeout = time.Duration(float64(info.KeepAliveSec)*1.5)*time.Second + 10*time.Second
	}

	if err := cl.send(buildConnack(false, connackAccepted)); err != nil {
		return nil, 0, err
	}

	// Session takeover: a prior client with the same id is force-closed
	// before the new one becomes visible to the fan-out path.
	b.mu.Lock()
	if prev, ok := b.clients[id]; ok {
		prev.close()
	}
	b.clients[id] = cl
	b.mu.Unlock()

	slog.Info("mqtt client connected", "client", id, "keepaliveSec", info.KeepAliveSec)
	return cl, timeout, nil
}

func (b *Broker) dispatch(cl *client, pkt *packet) error {
	switch pkt.Type {
	case packetPublish:
		return b.handlePublish(cl, pkt)
	case packetSubscribe:
		return b.handleSubscribe(cl, pkt)
	case packetUnsubscribe:
		return b.handleUnsubscribe(cl, pkt)
	case packetPingreq:
		return cl.send(buildPingresp())
	case packetDisconnect:
		return errors.New("client disconnected")
	default:
		return nil // unsupported packet types are silently ignored
	}
}

func (b *Broker) handlePublish(cl *client, pkt *packet) error {
	info, err := parsePublish(pkt.Flags, pkt.Body)
	if err != nil {
		return err
	}
	if err := b.upstream.PublishRaw(info.Topic, info.Payload); err != nil {
		slog.Warn("failed to forward publish upstream", "client", cl.id, "topic", info.Topic, "error", err)
	}
	if info.QoS == 1 {
		return cl.send(buildPuback(info.PacketID))
	}
	return nil
}

func (b *Broker) handleSubscribe(cl *client, pkt *packet) error {
	packetID, subs, err := parseSubscribe(pkt.Body)
	if err != nil {
		return err
	}

	next := map[string]struct{}{}
	for f := range cl.subscriptions() {
		next[f] = struct{}{}
	}
	codes := make([]byte, len(subs))
	for i, sub := range subs {
		next[sub.Filter] = struct{}{}
		codes[i] = 0x00 // everything is granted at QoS 0
	}
	added, _ := cl.replaceSubscriptions(next)

	// SUBACK goes first so the client never sees a routed PUBLISH for a
	// subscription it hasn't had acknowledged yet.
	if err := cl.send(buildSuback(packetID, codes)); err != nil {
		return err
	}
	for _, filter := range added {
		b.subscribeUpstream(cl, filter)
	}
	return nil
}

func (b *Broker) handleUnsubscribe(cl *client, pkt *packet) error {
	packetID, filters, err := parseUnsubscribe(pkt.Body)
	if err != nil {
		return err
	}

	next := map[string]struct{}{}
	for f := range cl.subscriptions() {
		next[f] = struct{}{}
	}
	for _, f := range filters {
		delete(next, f)
	}
	_, removed := cl.replaceSubscriptions(next)

	if err := cl.send(buildUnsuback(packetID)); err != nil {
		return err
	}
	for _, filter := range removed {
		b.unsubscribeUpstream(cl, filter)
	}
	return nil
}

// subscribeUpstream forwards a new downstream filter to the printer session
// unless some other connected client already holds it.
func (b *Broker) subscribeUpstream(cl *client, filter string) {
	b.mu.Lock()
	for _, other := range b.clients {
		if other != cl && !other.closed.Load() {
			if _, ok := other.subscriptions()[filter]; ok {
				b.mu.Unlock()
				return
			}
		}
	}
	b.mu.Unlock()

	if err := b.upstream.SubscribeUpstream(filter); err != nil {
		slog.Warn("upstream subscribe failed", "filter", filter, "error", err)
	}
}

// unsubscribeUpstream drops an upstream subscription once no connected client
// carries the filter anymore. Report topics are never unsubscribed: the
// session owns its own device/+/report subscription.
func (b *Broker) unsubscribeUpstream(cl *client, filter string) {
	if strings.Contains(filter, "/report") {
		return
	}

	b.mu.Lock()
	for _, other := range b.clients {
		if other != cl && !other.closed.Load() {
			if _, ok := other.subscriptions()[filter]; ok {
				b.mu.Unlock()
				return
			}
		}
	}
	b.mu.Unlock()

	if err := b.upstream.UnsubscribeUpstream(filter); err != nil {
		slog.Warn("upstream unsubscribe failed", "filter", filter, "error", err)
	}
}

func (b *Broker) dropClient(cl *client) {
	cl.close()

	b.mu.Lock()
	// A takeover may have already replaced this id with a newer session.
	if b.clients[cl.id] == cl {
		delete(b.clients, cl.id)
	}
	b.mu.Unlock()

	for filter := range cl.subscriptions() {
		b.unsubscribeUpstream(cl, filter)
	}
	slog.Info("mqtt client disconnected", "client", cl.id)
}

// OnUpstreamMessage fans one upstream frame out to every subscribed client.
// The packet is built once; per-client delivery failures just drop that
// client.
func (b *Broker) OnUpstreamMessage(topic string, payload []byte) {
	pkt := buildPublish(topic, payload)

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, cl := range b.clients {
		clients = append(clients, cl)
	}
	b.mu.Unlock()

	for _, cl := range clients {
		if cl.subscribedTo(topic) {
			cl.send(pkt) // send closes the client on error
		}
	}
}

// OnUpstreamReconnect replays the union of all connected clients'
// subscriptions so a fresh upstream connection routes the same traffic.
func (b *Broker) OnUpstreamReconnect() {
	union := map[string]struct{}{}
	b.mu.Lock()
	for _, cl := range b.clients {
		for f := range cl.subscriptions() {
			union[f] = struct{}{}
		}
	}
	b.mu.Unlock()

	for filter := range union {
		if err := b.upstream.SubscribeUpstream(filter); err != nil {
			slog.Warn("upstream re-subscribe failed", "filter", filter, "error", err)
		}
	}
}
