// Package ws is a minimal RFC 6455 server used to stream envelopes to
// browser clients. Only text frames are sent; inbound frames are read for
// control traffic.
package ws

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
)

const (
	OpText  byte = 0x1
	OpClose byte = 0x8
	OpPing  byte = 0x9
	OpPong  byte = 0xA

	websocketMagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

var (
	// ErrFrameTooLarge is returned when an inbound frame exceeds ReadLimit.
	ErrFrameTooLarge = errors.New("websocket frame too large")
	// ErrOriginNotAllowed is returned by Upgrade for a rejected Origin header.
	ErrOriginNotAllowed = errors.New("websocket origin not allowed")
)

type Config struct {
	// AllowedOrigins is an exact-match allow-list. Entries of the form
	// "https://*.example.com" match any subdomain. Empty allows all origins.
	AllowedOrigins []string
	ReadLimit      int
	WriteTimeout   time.Duration
	// PingInterval enables protocol-level pings. Zero disables them.
	PingInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{},
		ReadLimit:      4096,
		WriteTimeout:   10 * time.Second,
	}
}

type Conn struct {
	conn         net.Conn
	rw           *bufio.ReadWriter
	readLimit    int
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	cfg = normalizeConfig(cfg)

	if err := validateWebSocketHeaders(r, cfg); err != nil {
		return nil, err
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("response does not support hijacking")
	}

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	accept := computeWebSocketAccept(strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")))
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newConn(conn, rw, cfg), nil
}

func newConn(conn net.Conn, rw *bufio.ReadWriter, cfg Config) *Conn {
	return &Conn{
		conn:         conn,
		rw:           rw,
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Close sends a close frame, best effort, and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.writeFrame(OpClose, nil, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) WriteFrame(opcode byte, payload []byte) error {
	return c.writeFrame(opcode, payload, time.Now().Add(c.writeTimeout))
}

func (c *Conn) writeFrame(opcode byte, payload []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline)

	header := make([]byte, 0, 14)
	header = append(header, 0x80|opcode)

	payloadLen := len(payload)
	switch {
	case payloadLen < 126:
		header = append(header, byte(payloadLen))
	case payloadLen <= 65535:
		header = append(header, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(payloadLen))
		header = append(header, ext[:]...)
	default:
		header = append(header, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(payloadLen))
		header = append(header, ext[:]...)
	}

	if _, err := c.rw.Write(header); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			return err
		}
	}
	return c.rw.Flush()
}

func (c *Conn) ReadFrame() (byte, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return 0, nil, err
	}

	opcode := header[0] & 0x0F
	masked := (header[1] & 0x80) != 0
	payloadLen := int(header[1] & 0x7F)

	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return 0, nil, err
		}
		payloadLen = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return 0, nil, err
		}
		size := binary.BigEndian.Uint64(ext[:])
		if size > uint64(c.readLimit) {
			return 0, nil, ErrFrameTooLarge
		}
		payloadLen = int(size)
	}

	if payloadLen > c.readLimit {
		return 0, nil, ErrFrameTooLarge
	}

	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
			return 0, nil, err
		}
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return 0, nil, err
		}
	}

	if masked {
		for idx := 0; idx < payloadLen; idx++ {
			payload[idx] ^= mask[idx%4]
		}
	}

	return opcode, payload, nil
}

// Writer adapts a Conn to the dispatcher's session writer. Each envelope is
// sent as one text frame.
type Writer struct {
	conn *Conn
}

func NewWriter(conn *Conn) *Writer { return &Writer{conn: conn} }

// WriteMessage honours the earlier of ctx's deadline and the conn's write timeout.
func (w *Writer) WriteMessage(ctx context.Context, msg dispatch.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(w.conn.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return w.conn.writeFrame(OpText, msg.Data, deadline)
}

func (w *Writer) Close() error { return w.conn.Close() }

func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	return cfg
}

func validateWebSocketHeaders(r *http.Request, cfg Config) error {
	if !headerHasToken(r.Header, "Connection", "upgrade") || !headerHasToken(r.Header, "Upgrade", "websocket") {
		return fmt.Errorf("websocket upgrade headers missing")
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Version")) != "13" {
		return fmt.Errorf("unsupported websocket version")
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")) == "" {
		return fmt.Errorf("missing websocket key")
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin, cfg.AllowedOrigins) {
		return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	return nil
}

func isAllowedOrigin(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
		scheme, host, ok := strings.Cut(candidate, "://*.")
		if !ok {
			continue
		}
		prefix := scheme + "://"
		if strings.HasPrefix(origin, prefix) && strings.HasSuffix(strings.ToLower(origin), "."+strings.ToLower(host)) {
			return true
		}
	}
	return false
}

func headerHasToken(headers http.Header, key, expected string) bool {
	for _, value := range headers.Values(key) {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), expected) {
				return true
			}
		}
	}
	return false
}

func computeWebSocketAccept(secKey string) string {
	sum := sha1.Sum([]byte(secKey + websocketMagicGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
