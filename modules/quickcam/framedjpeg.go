package quickcam

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// The P1/A1 family streams JPEGs over a proprietary TLS socket on port 6000:
// an 80-byte authentication frame, then for each frame a 16-byte header whose
// first 4 bytes are the little-endian JPEG length, followed by the JPEG.

const (
	framedJPEGPort   = 6000
	frameHeaderSize  = 16
	authUserField    = 32
	authTokenField   = 32
	maxFrameSize     = 10 * 1024 * 1024 // sanity cap; real frames are well under 1MB
	frameReadTimeout = 5 * time.Second
)

var (
	jpegSOI = []byte{0xff, 0xd8, 0xff, 0xe0}
	jpegEOI = []byte{0xff, 0xd9}
)

func (p *Pump) runFramedJPEG(ctx context.Context) error {
	addr := net.JoinHostPort(p.conf.Host, fmt.Sprint(framedJPEGPort))
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return fmt.Errorf("dialing camera port: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if _, err := conn.Write(authFrame(p.conf.AccessToken)); err != nil {
		return fmt.Errorf("sending camera auth: %w", err)
	}

	header := make([]byte, frameHeaderSize)
	for {
		if ctx.Err() != nil || p.shouldStop() {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
		if n, err := io.ReadFull(conn, header); err != nil {
			// A timeout with zero bytes read just means the camera is
			// sitting silent; retry the same read. A partial header is a
			// desync and forces a reconnect.
			if n == 0 && isTransientRead(err) {
				time.Sleep(time.Second)
				continue
			}
			return fmt.Errorf("reading frame header: %w", err)
		}

		length := int(binary.LittleEndian.Uint32(header[:4]))
		if length <= 0 || length > maxFrameSize {
			return fmt.Errorf("implausible frame length %d", length)
		}

		frame := make([]byte, length)
		conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
		if _, err := io.ReadFull(conn, frame); err != nil {
			return fmt.Errorf("reading frame body: %w", err)
		}

		if !bytes.HasPrefix(frame, jpegSOI) || !bytes.HasSuffix(frame, jpegEOI) {
			return errors.New("frame failed jpeg magic validation")
		}
		p.publishFrame(frame)
	}
}

// authFrame is the fixed 80-byte camera handshake: four little-endian u32s
// then the username and access token, both zero-padded to 32 bytes.
func authFrame(accessToken string) []byte {
	buf := make([]byte, 0, 16+authUserField+authTokenField)
	buf = binary.LittleEndian.AppendUint32(buf, 0x40)
	buf = binary.LittleEndian.AppendUint32(buf, 0x3000)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = appendPadded(buf, "bblp", authUserField)
	buf = appendPadded(buf, accessToken, authTokenField)
	return buf
}

func appendPadded(buf []byte, s string, width int) []byte {
	field := make([]byte, width)
	copy(field, s)
	return append(buf, field...)
}

func isTransientRead(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
