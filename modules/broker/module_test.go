package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	mu      sync.Mutex
	pubs    []string
	subs    []string
	unsubs  []string
	payload []byte
}

func (f *fakeUpstream) PublishRaw(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, topic)
	f.payload = append([]byte(nil), payload...)
	return nil
}

func (f *fakeUpstream) SubscribeUpstream(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, filter)
	return nil
}

func (f *fakeUpstream) UnsubscribeUpstream(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, filter)
	return nil
}

func (f *fakeUpstream) snapshot() (pubs, subs, unsubs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pubs...), append([]string(nil), f.subs...), append([]string(nil), f.unsubs...)
}

// testClient drives one side of a net.Pipe against the broker's packet loop.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func connect(t *testing.T, b *Broker, clientID string) *testClient {
	t.Helper()
	server, clientSide := net.Pipe()
	go b.ServeConn(server)

	c := &testClient{t: t, conn: clientSide}
	t.Cleanup(func() { clientSide.Close() })

	c.write(buildTestConnect(clientID, 60))
	pkt := c.read()
	require.Equal(t, packetConnack, pkt.Type)
	c.ping() // registration happens after CONNACK; ping to synchronize
	return c
}

func (c *testClient) write(wire []byte) {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := c.conn.Write(wire)
	require.NoError(c.t, err)
}

func (c *testClient) read() *packet {
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	pkt, err := readPacket(c.conn)
	require.NoError(c.t, err)
	return pkt
}

// expectSilence asserts no packet arrives within the window.
func (c *testClient) expectSilence() {
	c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := readPacket(c.conn)
	require.Error(c.t, err)
	netErr, ok := err.(net.Error)
	require.True(c.t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}

func (c *testClient) ping() {
	c.write(encodePacket(packetPingreq, 0, nil))
	pkt := c.read()
	require.Equal(c.t, packetPingresp, pkt.Type)
}

// subscribe sends SUBSCRIBE, checks SUBACK, and pings so the broker has
// finished any upstream forwarding before the test continues.
func (c *testClient) subscribe(packetID uint16, filters ...string) {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	for _, f := range filters {
		body = appendString(body, f)
		body = append(body, 0)
	}
	c.write(encodePacket(packetSubscribe, 0x02, body))

	pkt := c.read()
	require.Equal(c.t, packetSuback, pkt.Type)
	c.ping()
}

func (c *testClient) unsubscribe(packetID uint16, filters ...string) {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	for _, f := range filters {
		body = appendString(body, f)
	}
	c.write(encodePacket(packetUnsubscribe, 0x02, body))

	pkt := c.read()
	require.Equal(c.t, packetUnsuback, pkt.Type)
	c.ping()
}

func fanOut(b *Broker, topic string, payload []byte) chan struct{} {
	done := make(chan struct{})
	go func() {
		b.OnUpstreamMessage(topic, payload)
		close(done)
	}()
	return done
}

func TestFanOutToSubscribers(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	a := connect(t, b, "slicer")
	a.subscribe(1, "device/+/report")
	other := connect(t, b, "dashboard")
	other.subscribe(1, "some/other/topic")

	done := fanOut(b, "device/SN123/report", []byte(`{"print":{}}`))
	pkt := a.read()
	<-done

	require.Equal(t, packetPublish, pkt.Type)
	info, err := parsePublish(pkt.Flags, pkt.Body)
	require.NoError(t, err)
	assert.Equal(t, "device/SN123/report", info.Topic)
	assert.Equal(t, []byte(`{"print":{}}`), info.Payload)

	other.expectSilence()
}

func TestPublishForwardsUpstream(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)
	c := connect(t, b, "slicer")

	// QoS 1 publish gets a PUBACK even though upstream delivery is QoS 0.
	body := appendString(nil, "device/SN123/request")
	body = append(body, 0x00, 0x05)
	c.write(encodePacket(packetPublish, 0x02, append(body, []byte("cmd")...)))

	pkt := c.read()
	require.Equal(t, packetPuback, pkt.Type)
	assert.Equal(t, []byte{0x00, 0x05}, pkt.Body)

	pubs, _, _ := up.snapshot()
	assert.Equal(t, []string{"device/SN123/request"}, pubs)
	assert.Equal(t, []byte("cmd"), up.payload)
}

func TestSessionTakeover(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	first := connect(t, b, "studio")
	second := connect(t, b, "studio")
	second.subscribe(1, "device/SN/report")

	// The older session is force-closed.
	first.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := readPacket(first.conn)
	require.Error(t, err)
	if netErr, ok := err.(net.Error); ok {
		require.False(t, netErr.Timeout(), "expected a closed connection, not a timeout")
	}

	done := fanOut(b, "device/SN/report", []byte("x"))
	pkt := second.read()
	<-done
	assert.Equal(t, packetPublish, pkt.Type)
}

func TestUpstreamSubscribeDeduped(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	a := connect(t, b, "a")
	a.subscribe(1, "printer/stats")
	c := connect(t, b, "b")
	c.subscribe(1, "printer/stats")

	_, subs, _ := up.snapshot()
	assert.Equal(t, []string{"printer/stats"}, subs, "second subscriber rides the existing upstream subscription")

	// Dropping one holder must not tear down the shared subscription.
	c.unsubscribe(2, "printer/stats")
	_, _, unsubs := up.snapshot()
	assert.Empty(t, unsubs)

	// The last holder leaving does.
	a.unsubscribe(2, "printer/stats")
	_, _, unsubs = up.snapshot()
	assert.Equal(t, []string{"printer/stats"}, unsubs)
}

func TestReportTopicsNeverUnsubscribed(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	c := connect(t, b, "watcher")
	c.subscribe(1, "device/SN123/report")
	c.unsubscribe(2, "device/SN123/report")

	_, _, unsubs := up.snapshot()
	assert.Empty(t, unsubs, "the session owns the report subscription")
}

func TestOnUpstreamReconnectReplaysUnion(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	a := connect(t, b, "a")
	a.subscribe(1, "device/SN/report", "printer/stats")
	c := connect(t, b, "b")
	c.subscribe(1, "printer/stats")

	up.mu.Lock()
	up.subs = nil
	up.mu.Unlock()

	b.OnUpstreamReconnect()

	_, subs, _ := up.snapshot()
	assert.ElementsMatch(t, []string{"device/SN/report", "printer/stats"}, subs)
}

func TestConnectionLimit(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.acceptLoop(ctx, ln)

	addr := ln.Addr().String()
	conns := make([]net.Conn, 0, maxClients)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < maxClients; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool { return b.connCount.Load() == maxClients },
		time.Second, 10*time.Millisecond)

	// One over the limit is accepted and immediately closed.
	extra, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer extra.Close()
	extra.SetReadDeadline(time.Now().Add(time.Second))
	_, err = extra.Read(make([]byte, 1))
	require.Error(t, err)
	if netErr, ok := err.(net.Error); ok {
		require.False(t, netErr.Timeout(), "expected a closed connection, not a timeout")
	}

	// The established clients are unaffected: one can still complete a
	// handshake on its pre-CONNECT deadline.
	survivor := conns[0]
	survivor.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = survivor.Write(buildTestConnect("survivor", 60))
	require.NoError(t, err)
	survivor.SetReadDeadline(time.Now().Add(time.Second))
	pkt, err := readPacket(survivor)
	require.NoError(t, err)
	assert.Equal(t, packetConnack, pkt.Type)

	// A disconnect frees the slot for the next client.
	conns[1].Close()
	require.Eventually(t, func() bool { return b.connCount.Load() < maxClients },
		time.Second, 10*time.Millisecond)

	replacement, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer replacement.Close()
	replacement.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = replacement.Write(buildTestConnect("replacement", 60))
	require.NoError(t, err)
	replacement.SetReadDeadline(time.Now().Add(time.Second))
	pkt, err = readPacket(replacement)
	require.NoError(t, err)
	assert.Equal(t, packetConnack, pkt.Type)
}

func TestRejectsNonConnectFirstPacket(t *testing.T) {
	up := &fakeUpstream{}
	b := New(0, up)

	server, clientSide := net.Pipe()
	go b.ServeConn(server)
	defer clientSide.Close()

	clientSide.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := clientSide.Write(encodePacket(packetPingreq, 0, nil))
	require.NoError(t, err)

	clientSide.SetReadDeadline(time.Now().Add(time.Second))
	_, err = readPacket(clientSide)
	assert.Error(t, err, "connection is closed without a CONNACK")
}
