package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printnest/bambulink/engine/settings"
	"github.com/printnest/bambulink/modules/state"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeSink struct {
	calls []bool // firstFullSync flag per OnMessage
	roots []map[string]any
}

func (f *fakeSink) OnMessage(root map[string]any, firstFullSync bool) {
	f.calls = append(f.calls, firstFullSync)
	f.roots = append(f.roots, root)
}

type fakeListener struct {
	topics   []string
	payloads [][]byte
}

func (f *fakeListener) OnUpstreamMessage(topic string, payload []byte) {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
}
func (f *fakeListener) OnUpstreamReconnect() {}

type fakeScanner struct {
	ip  string
	err error

	calls int
	seen  []string
}

func (f *fakeScanner) Scan(ctx context.Context, lastKnownIP string) (string, error) {
	f.calls++
	f.seen = append(f.seen, lastKnownIP)
	return f.ip, f.err
}

type sessionFixture struct {
	sess  *Session
	cache *state.Cache
	sink  *fakeSink
	store *settings.Store
}

func newSession(t *testing.T, scanner Rediscoverer) *sessionFixture {
	t.Helper()
	store, err := settings.NewStore(t.TempDir())
	require.NoError(t, err)

	cache := state.NewCache()
	sink := &fakeSink{}
	sess := New(Config{
		Host:        "192.168.1.50",
		Port:        8883,
		AccessToken: "token",
		Serial:      "01S00A123456789",
	}, store, cache, state.NewVersion(), sink, scanner)
	return &sessionFixture{sess: sess, cache: cache, sink: sink, store: store}
}

// fullStatusPayload builds a push_status with enough keys to count as a
// complete snapshot.
func fullStatusPayload(t *testing.T) []byte {
	t.Helper()
	printObj := map[string]any{
		"command":     "push_status",
		"gcode_state": "RUNNING",
		"mc_percent":  12,
	}
	for i := len(printObj); i <= fullSyncKeyThreshold; i++ {
		printObj[fmt.Sprintf("field_%d", i)] = i
	}
	raw, err := json.Marshal(map[string]any{"print": printObj})
	require.NoError(t, err)
	return raw
}

func TestHandleMessageFullSyncOnlyOnce(t *testing.T) {
	f := newSession(t, nil)

	msg := &fakeMessage{topic: "device/SN/report", payload: fullStatusPayload(t)}
	f.sess.handleMessage(nil, msg)
	f.sess.handleMessage(nil, msg)

	require.Equal(t, []bool{true, false}, f.sink.calls, "only the first full snapshot per connection is flagged")

	snap := f.cache.Snapshot()
	require.NotNil(t, snap.GcodeState)
	assert.Equal(t, "RUNNING", *snap.GcodeState)
}

func TestHandleMessageDeltaIsNotFullSync(t *testing.T) {
	f := newSession(t, nil)

	msg := &fakeMessage{
		topic:   "device/SN/report",
		payload: []byte(`{"print":{"command":"push_status","mc_percent":55}}`),
	}
	f.sess.handleMessage(nil, msg)

	assert.Equal(t, []bool{false}, f.sink.calls)
	require.NotNil(t, f.cache.Snapshot().McPercent)
	assert.Equal(t, 55, *f.cache.Snapshot().McPercent)
}

func TestHandleMessageVersionInfo(t *testing.T) {
	f := newSession(t, nil)

	payload := []byte(`{"info":{"command":"get_version","module":[{"name":"ota","sw_ver":"1.2.3","sn":"01S00A123456789"}]}}`)
	f.sess.handleMessage(nil, &fakeMessage{topic: "device/SN/report", payload: payload})

	assert.True(t, f.sess.version.HasVersion())
	assert.Equal(t, "1.2.3", f.sess.version.Snapshot().SoftwareVersion)
}

func TestHandleMessageDropsGarbage(t *testing.T) {
	f := newSession(t, nil)
	f.sess.handleMessage(nil, &fakeMessage{topic: "device/SN/report", payload: []byte("not json")})
	assert.Empty(t, f.sink.calls)
	assert.False(t, f.cache.HasState())
}

func TestHandleMessageFansOutRawFrames(t *testing.T) {
	f := newSession(t, nil)
	listener := &fakeListener{}
	f.sess.RegisterListener(listener)

	payload := []byte(`{"print":{"mc_percent":5}}`)
	f.sess.handleMessage(nil, &fakeMessage{topic: "device/SN/report", payload: payload})

	require.Len(t, listener.topics, 1)
	assert.Equal(t, "device/SN/report", listener.topics[0])
	assert.Equal(t, payload, listener.payloads[0])
}

func TestRunRediscoversAfterThirdFailureAndResetsCounter(t *testing.T) {
	scanner := &fakeScanner{ip: "192.168.1.77"}
	f := newSession(t, scanner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backoffs []time.Duration
	f.sess.sleep = func(_ context.Context, d time.Duration) { backoffs = append(backoffs, d) }

	var hosts []string
	var scansBeforeAttempt []int
	attempts := 0
	f.sess.connect = func(context.Context) error {
		attempts++
		hosts = append(hosts, f.sess.conf.Host)
		scansBeforeAttempt = append(scansBeforeAttempt, scanner.calls)
		if attempts == 7 {
			cancel()
		}
		return syscall.ECONNREFUSED
	}

	err := f.sess.run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The scan fires exactly once, after the third consecutive failure, from
	// the address that stopped answering.
	assert.Equal(t, 1, scanner.calls)
	assert.Equal(t, []string{"192.168.1.50"}, scanner.seen)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 1}, scansBeforeAttempt)

	// Later attempts dial the rediscovered address, which is also persisted.
	assert.Equal(t, []string{
		"192.168.1.50", "192.168.1.50", "192.168.1.50",
		"192.168.1.77", "192.168.1.77", "192.168.1.77", "192.168.1.77",
	}, hosts)
	assert.Equal(t, "192.168.1.77", f.store.Get("printer_ip", ""))

	// Backoff grows per failure, then the counter resets at the fifth
	// consecutive failure and the cycle starts over.
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second,
		1 * time.Second, // failure count reset
		1 * time.Second,
	}, backoffs)
}

func TestRunRetriesImmediatelyAfterDrop(t *testing.T) {
	f := newSession(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backoffs []time.Duration
	f.sess.sleep = func(_ context.Context, d time.Duration) { backoffs = append(backoffs, d) }

	attempts := 0
	f.sess.connect = func(context.Context) error {
		attempts++
		if attempts == 3 {
			cancel()
		}
		return nil // connection established, later dropped
	}

	err := f.sess.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, attempts)
	assert.Empty(t, backoffs, "a dropped connection is retried without backoff")
}

func TestRediscoverPersistsNewIP(t *testing.T) {
	f := newSession(t, &fakeScanner{ip: "192.168.1.77"})

	f.sess.rediscover(context.Background())

	assert.Equal(t, "192.168.1.77", f.sess.conf.Host)
	assert.Equal(t, "192.168.1.77", f.store.Get("printer_ip", ""))
}

func TestRediscoverFailureKeepsHost(t *testing.T) {
	f := newSession(t, &fakeScanner{err: errors.New("found 0")})

	f.sess.rediscover(context.Background())

	assert.Equal(t, "192.168.1.50", f.sess.conf.Host)
	assert.Equal(t, "", f.store.Get("printer_ip", ""))
}

func TestNewPrefersPersistedIP(t *testing.T) {
	store, err := settings.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Set("printer_ip", "10.0.0.9"))

	sess := New(Config{Host: "10.0.0.2", Port: 8883}, store, state.NewCache(), state.NewVersion(), &fakeSink{}, nil)
	assert.Equal(t, "10.0.0.9", sess.conf.Host)
}

func TestPublishWhileDisconnected(t *testing.T) {
	f := newSession(t, nil)
	assert.Error(t, f.sess.Publish(map[string]any{"print": map[string]any{"command": "pause"}}))
	assert.Error(t, f.sess.PublishRaw("device/SN/request", []byte("x")))

	// Subscriptions are a no-op while down; the broker replays on reconnect.
	assert.NoError(t, f.sess.SubscribeUpstream("some/filter"))
	assert.NoError(t, f.sess.UnsubscribeUpstream("some/filter"))
}
