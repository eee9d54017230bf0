// Package session owns the single privileged MQTT connection to the printer.
// Bambu printers only tolerate one or two concurrent MQTT clients, so this is
// the one true connection: everything else in the agent (and every local
// client of the broker) is multiplexed through it.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/printnest/bambulink/engine"
	"github.com/printnest/bambulink/engine/settings"
	"github.com/printnest/bambulink/modules/state"
)

const (
	mqttUser       = "bblp"
	mqttQoS        = 0
	keepAlive      = 5 * time.Second
	connectTimeout = 10 * time.Second
	publishTimeout = 20 * time.Second

	backoffInitial = time.Second
	backoffMax     = 5 * time.Second

	// After this many consecutive failures, ask the scanner whether the
	// printer picked up a new DHCP lease.
	failuresBeforeRediscovery = 3
	// Reset the failure counter past this point so backoff never grows
	// unbounded and rediscovery fires again periodically.
	failuresBeforeReset = 5

	settingPrinterIP = "printer_ip"
)

// fullSyncKeyThreshold is how many keys a push_status "print" object must
// carry to count as a complete state snapshot rather than a delta.
const fullSyncKeyThreshold = 40

// MessageSink consumes every report message after the state cache was updated.
type MessageSink interface {
	OnMessage(root map[string]any, firstFullSync bool)
}

// MessageListener receives raw report frames and reconnect notifications.
// The local broker registers itself here.
type MessageListener interface {
	OnUpstreamMessage(topic string, payload []byte)
	OnUpstreamReconnect()
}

// Rediscoverer locates the printer when its IP stops answering.
type Rediscoverer interface {
	Scan(ctx context.Context, lastKnownIP string) (string, error)
}

type Config struct {
	Host        string
	Port        int
	AccessToken string
	Serial      string
}

type Session struct {
	conf     Config
	settings *settings.Store
	cache    *state.Cache
	version  *state.Version
	sink     MessageSink
	scanner  Rediscoverer

	mu        sync.Mutex
	client    paho.Client
	listeners []MessageListener
	connected bool
	syncSeen  bool // a full push_status snapshot arrived on this connection

	lost chan struct{} // signaled by the connection-lost callback

	// connect and sleep are swapped out in tests.
	connect func(context.Context) error
	sleep   func(context.Context, time.Duration)
}

func New(conf Config, store *settings.Store, cache *state.Cache, version *state.Version, sink MessageSink, scanner Rediscoverer) *Session {
	if ip := store.Get(settingPrinterIP, ""); ip != "" {
		conf.Host = ip
	}
	s := &Session{
		conf:     conf,
		settings: store,
		cache:    cache,
		version:  version,
		sink:     sink,
		scanner:  scanner,
		lost:     make(chan struct{}, 1),
		sleep:    sleepCtx,
	}
	s.connect = s.connectAndServe
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// RegisterListener adds a raw-message listener. Must be called before the
// connect loop starts.
func (s *Session) RegisterListener(l MessageListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Connected reports whether the upstream connection is currently established.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(s.run)
}

// run is the connection lifecycle loop: connect, serve until the connection
// drops, back off, repeat. Repeated failures trigger IP rediscovery.
func (s *Session) run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logConnectFailure(err, s.conf.Host)
			failures++
		} else {
			failures = 0
			continue // connection was up and dropped; retry immediately
		}

		if failures == failuresBeforeRediscovery && s.scanner != nil {
			s.rediscover(ctx)
		}
		if failures >= failuresBeforeReset {
			failures = 0
		}

		backoff := backoffInitial * time.Duration(failures)
		if backoff > backoffMax {
			backoff = backoffMax
		}
		if backoff < backoffInitial {
			backoff = backoffInitial
		}
		s.sleep(ctx, backoff)
	}
}

func (s *Session) rediscover(ctx context.Context) {
	slog.Info("repeated connect failures, scanning for printer", "lastKnownIP", s.conf.Host)
	ip, err := s.scanner.Scan(ctx, s.conf.Host)
	if err != nil {
		slog.Warn("printer rediscovery failed", "error", err)
		return
	}
	slog.Info("printer rediscovered at new address", "ip", ip)
	s.conf.Host = ip
	if err := s.settings.Set(settingPrinterIP, ip); err != nil {
		slog.Error("failed to persist rediscovered printer ip", "error", err)
	}
}

// connectAndServe establishes the connection, subscribes, primes the printer,
// then blocks until the connection drops or ctx ends. A nil return means the
// connection was established and later lost; an error means setup failed.
func (s *Session) connectAndServe(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", s.conf.Host, s.conf.Port)).
		SetClientID(fmt.Sprintf("bambulink-%s", s.conf.Serial)).
		SetUsername(mqttUser).
		SetPassword(s.conf.AccessToken).
		// The printer presents a self-signed leaf, so there is nothing to verify.
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(false). // this loop owns reconnection
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(s.onConnectionLost).
		SetDefaultPublishHandler(s.handleMessage)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timeout connecting to printer")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to printer MQTT: %w", err)
	}

	// Subscribe before anything else: a SUBACK failure usually means the
	// configured serial number is wrong.
	topic := fmt.Sprintf("device/%s/report", s.conf.Serial)
	sub := client.Subscribe(topic, mqttQoS, nil)
	if !sub.WaitTimeout(publishTimeout) || sub.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribing to %s (serial number may be wrong): %w", topic, sub.Error())
	}

	s.mu.Lock()
	s.client = client
	s.connected = true
	s.syncSeen = false
	listeners := append([]MessageListener(nil), s.listeners...)
	s.mu.Unlock()

	// drain any stale loss signal from a previous connection
	select {
	case <-s.lost:
	default:
	}

	// Priming runs on its own goroutine so the paho callback goroutine is
	// never blocked waiting on publish acks.
	go s.prime(client)

	for _, l := range listeners {
		l.OnUpstreamReconnect()
	}
	slog.Info("connected to printer", "host", s.conf.Host, "serial", s.conf.Serial)

	select {
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	case <-s.lost:
		return nil
	}
}

// prime forces the printer to emit a complete state snapshot: version info
// first, then a full status push.
func (s *Session) prime(client paho.Client) {
	cmds := []map[string]any{
		{"info": map[string]any{"sequence_id": "0", "command": "get_version"}},
		{"pushing": map[string]any{"sequence_id": "0", "command": "pushall"}},
	}
	for _, cmd := range cmds {
		if err := s.publishTo(client, cmd); err != nil {
			slog.Warn("priming publish failed, forcing reconnect", "error", err)
			client.Disconnect(250)
			s.signalLost()
			return
		}
	}
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	slog.Warn("printer connection lost", "error", err)
	s.mu.Lock()
	s.connected = false
	s.client = nil
	s.mu.Unlock()

	// State is unknown while disconnected.
	s.cache.Reset()
	s.version.Reset()
	s.signalLost()
}

func (s *Session) signalLost() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// handleMessage dispatches one report frame: update the state cache, hand the
// parsed message to the translator, then fan the raw bytes out to listeners.
// Order matters and paho preserves it, so everything happens inline.
func (s *Session) handleMessage(_ paho.Client, msg paho.Message) {
	root := map[string]any{}
	if err := json.Unmarshal(msg.Payload(), &root); err != nil {
		slog.Warn("dropping unparsable printer message", "error", err, "topic", msg.Topic())
		return
	}

	firstFullSync := false
	if printObj, ok := root["print"].(map[string]any); ok {
		cmd, _ := printObj["command"].(string)
		if cmd == "push_status" && len(printObj) > fullSyncKeyThreshold {
			s.mu.Lock()
			if !s.syncSeen {
				s.syncSeen = true
				firstFullSync = true
			}
			s.mu.Unlock()
		}
		s.cache.OnUpdate(printObj)
	}
	if infoObj, ok := root["info"].(map[string]any); ok {
		s.version.OnUpdate(infoObj)
	}

	s.sink.OnMessage(root, firstFullSync)

	s.mu.Lock()
	listeners := append([]MessageListener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	for _, l := range listeners {
		l.OnUpstreamMessage(msg.Topic(), payload)
	}
}

// Publish sends a command object to the printer's request topic, waiting up
// to 20s for the send to complete.
func (s *Session) Publish(cmd map[string]any) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("not connected to printer")
	}
	return s.publishTo(client, cmd)
}

func (s *Session) publishTo(client paho.Client, cmd map[string]any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}
	topic := fmt.Sprintf("device/%s/request", s.conf.Serial)
	token := client.Publish(topic, mqttQoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to printer")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to printer: %w", err)
	}
	return nil
}

// PublishRaw forwards an arbitrary frame from a local broker client upstream.
func (s *Session) PublishRaw(topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("not connected to printer")
	}
	token := client.Publish(topic, mqttQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to printer")
	}
	return token.Error()
}

// SubscribeUpstream subscribes the printer connection to an extra topic on
// behalf of a local broker client. A no-op while disconnected: the broker
// re-syncs subscriptions on reconnect.
func (s *Session) SubscribeUpstream(filter string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	token := client.Subscribe(filter, mqttQoS, nil)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout subscribing to %s", filter)
	}
	return token.Error()
}

func (s *Session) UnsubscribeUpstream(filter string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	token := client.Unsubscribe(filter)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout unsubscribing from %s", filter)
	}
	return token.Error()
}

// logConnectFailure keeps the common failure modes to one quiet line each.
func logConnectFailure(err error, host string) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		slog.Info("printer refused connection", "host", host)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		slog.Info("no route to printer", "host", host)
	case isTimeout(err):
		slog.Info("timed out connecting to printer", "host", host)
	default:
		slog.Error("failed to connect to printer", "error", err, "host", host)
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Command wrappers. sequence_id is unused by the agent but required by firmware.

func (s *Session) Pause() error {
	return s.Publish(map[string]any{"print": map[string]any{"sequence_id": "0", "command": "pause"}})
}

func (s *Session) Resume() error {
	return s.Publish(map[string]any{"print": map[string]any{"sequence_id": "0", "command": "resume"}})
}

func (s *Session) Stop() error {
	return s.Publish(map[string]any{"print": map[string]any{"sequence_id": "0", "command": "stop"}})
}

// SetChamberLight toggles the chamber LED.
func (s *Session) SetChamberLight(on bool) error {
	mode := "off"
	if on {
		mode = "on"
	}
	return s.Publish(map[string]any{"system": map[string]any{
		"sequence_id":   "0",
		"command":       "ledctrl",
		"led_node":      "chamber_light",
		"led_mode":      mode,
		"led_on_time":   500,
		"led_off_time":  500,
		"loop_times":    0,
		"interval_time": 0,
	}})
}
