package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Minimal MQTT 3.1.1 packet codec. Only the packet types the multiplexer
// needs are given typed parse/build helpers; everything else stays a raw
// packet and is ignored by the dispatch loop.

type packetType byte

const (
	packetConnect     packetType = 1
	packetConnack     packetType = 2
	packetPublish     packetType = 3
	packetPuback      packetType = 4
	packetSubscribe   packetType = 8
	packetSuback      packetType = 9
	packetUnsubscribe packetType = 10
	packetUnsuback    packetType = 11
	packetPingreq     packetType = 12
	packetPingresp    packetType = 13
	packetDisconnect  packetType = 14
)

const maxPacketSize = 1024 * 1024 // 1 MiB; anything larger is a protocol error

var errPacketTooLarge = errors.New("mqtt packet exceeds maximum size")

// packet is a decoded fixed header plus the raw remainder (variable header +
// payload).
type packet struct {
	Type  packetType
	Flags byte
	Body  []byte
}

// readPacket reads one full packet. Oversize packets return
// errPacketTooLarge, which the caller treats as fatal for the connection.
func readPacket(r io.Reader) (*packet, error) {
	var header [1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length, err := readRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if length > maxPacketSize {
		return nil, errPacketTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &packet{
		Type:  packetType(header[0] >> 4),
		Flags: header[0] & 0x0f,
		Body:  body,
	}, nil
}

// encodePacket produces the full wire bytes for a packet in one slice so it
// can be written with a single call.
func encodePacket(t packetType, flags byte, body []byte) []byte {
	rl := encodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(rl)+len(body))
	out = append(out, byte(t)<<4|flags&0x0f)
	out = append(out, rl...)
	return append(out, body...)
}

// Remaining length is a variable-byte integer: 7 bits per byte, MSB set on
// every byte except the last.
func readRemainingLength(r io.Reader) (int, error) {
	var b [1]byte
	value, shift := 0, 0
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		value |= int(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, errors.New("malformed remaining length")
}

func encodeRemainingLength(n int) []byte {
	out := make([]byte, 0, 4)
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

// Strings are 2-byte big-endian length-prefixed UTF-8.
func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, errors.New("truncated string length")
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", nil, errors.New("truncated string")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// connectInfo is the subset of CONNECT the broker cares about. Credentials
// are parsed past but not checked: the local network is trusted.
type connectInfo struct {
	ProtocolName  string
	ProtocolLevel byte
	ClientID      string
	KeepAliveSec  int
	CleanSession  bool
}

func parseConnect(body []byte) (*connectInfo, error) {
	name, rest, err := readString(body)
	if err != nil {
		return nil, fmt.Errorf("protocol name: %w", err)
	}
	if len(rest) < 4 {
		return nil, errors.New("truncated connect header")
	}
	info := &connectInfo{
		ProtocolName:  name,
		ProtocolLevel: rest[0],
	}
	connectFlags := rest[1]
	info.CleanSession = connectFlags&0x02 != 0
	info.KeepAliveSec = int(binary.BigEndian.Uint16(rest[2:4]))
	rest = rest[4:]

	info.ClientID, rest, err = readString(rest)
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}

	// Skip the will topic/message and username/password fields so trailing
	// garbage is still detected as malformed by later reads.
	if connectFlags&0x04 != 0 { // will flag
		if _, rest, err = readString(rest); err != nil {
			return nil, fmt.Errorf("will topic: %w", err)
		}
		if _, rest, err = readString(rest); err != nil {
			return nil, fmt.Errorf("will message: %w", err)
		}
	}
	if connectFlags&0x80 != 0 { // username
		if _, rest, err = readString(rest); err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
	}
	if connectFlags&0x40 != 0 { // password
		if _, _, err = readString(rest); err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
	}
	return info, nil
}

func buildConnack(sessionPresent bool, returnCode byte) []byte {
	body := []byte{0, returnCode}
	if sessionPresent {
		body[0] = 1
	}
	return encodePacket(packetConnack, 0, body)
}

// publishInfo is a parsed inbound PUBLISH.
type publishInfo struct {
	Topic    string
	QoS      byte
	PacketID uint16
	Payload  []byte
}

func parsePublish(flags byte, body []byte) (*publishInfo, error) {
	topic, rest, err := readString(body)
	if err != nil {
		return nil, fmt.Errorf("publish topic: %w", err)
	}
	info := &publishInfo{Topic: topic, QoS: flags >> 1 & 0x03}
	if info.QoS > 0 {
		if len(rest) < 2 {
			return nil, errors.New("truncated publish packet id")
		}
		info.PacketID = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}
	info.Payload = rest
	return info, nil
}

func buildPublish(topic string, payload []byte) []byte {
	body := appendString(make([]byte, 0, 2+len(topic)+len(payload)), topic)
	return encodePacket(packetPublish, 0, append(body, payload...))
}

func buildPuback(packetID uint16) []byte {
	return encodePacket(packetPuback, 0, binary.BigEndian.AppendUint16(nil, packetID))
}

type subscription struct {
	Filter string
	QoS    byte
}

func parseSubscribe(body []byte) (uint16, []subscription, error) {
	if len(body) < 2 {
		return 0, nil, errors.New("truncated subscribe packet id")
	}
	packetID := binary.BigEndian.Uint16(body)
	rest := body[2:]

	var subs []subscription
	for len(rest) > 0 {
		filter, next, err := readString(rest)
		if err != nil {
			return 0, nil, fmt.Errorf("subscribe filter: %w", err)
		}
		if len(next) < 1 {
			return 0, nil, errors.New("subscribe filter missing qos")
		}
		subs = append(subs, subscription{Filter: filter, QoS: next[0] & 0x03})
		rest = next[1:]
	}
	if len(subs) == 0 {
		return 0, nil, errors.New("subscribe packet with no filters")
	}
	return packetID, subs, nil
}

func buildSuback(packetID uint16, returnCodes []byte) []byte {
	body := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(returnCodes)), packetID)
	return encodePacket(packetSuback, 0, append(body, returnCodes...))
}

func parseUnsubscribe(body []byte) (uint16, []string, error) {
	if len(body) < 2 {
		return 0, nil, errors.New("truncated unsubscribe packet id")
	}
	packetID := binary.BigEndian.Uint16(body)
	rest := body[2:]

	var filters []string
	for len(rest) > 0 {
		filter, next, err := readString(rest)
		if err != nil {
			return 0, nil, fmt.Errorf("unsubscribe filter: %w", err)
		}
		filters = append(filters, filter)
		rest = next
	}
	if len(filters) == 0 {
		return 0, nil, errors.New("unsubscribe packet with no filters")
	}
	return packetID, filters, nil
}

func buildUnsuback(packetID uint16) []byte {
	return encodePacket(packetUnsuback, 0, binary.BigEndian.AppendUint16(nil, packetID))
}

func buildPingresp() []byte {
	return encodePacket(packetPingresp, 0, nil)
}
