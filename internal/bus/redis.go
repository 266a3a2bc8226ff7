package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisPublisherConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// RedisPublisher issues PUBLISH commands over a short-lived connection per
// call. Events are small and infrequent relative to heartbeat traffic, so
// connection pooling is not worth the bookkeeping here.
type RedisPublisher struct {
	cfg RedisPublisherConfig
}

func NewRedisPublisher(cfg RedisPublisherConfig) *RedisPublisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "labcoord"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &RedisPublisher{cfg: cfg}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload map[string]any) error {
	b, err := json.Marshal(Event{Topic: topic, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	conn, rw, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := writeRESP(rw, "PUBLISH", p.cfg.Prefix+":"+topic, string(b)); err != nil {
		return err
	}
	_, err = readRESP(rw)
	return err
}

func (p *RedisPublisher) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if p.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", p.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if p.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, part := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(part), part); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}
