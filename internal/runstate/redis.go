package runstate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRedisKey     = "staycrawler:state"
	defaultRedisTimeout = 5 * time.Second
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// RedisStore keeps every value as a field of one Redis hash, speaking RESP
// over a single lazily dialled connection.
type RedisStore struct {
	addr     string
	password string
	db       int
	key      string
	timeout  time.Duration

	mu   sync.Mutex
	conn *respConn
}

// NewRedisStore creates a store backed by Redis. No connection is made
// until the first command.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("redis host is required")
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{
		addr:     net.JoinHostPort(cfg.Host, port),
		password: cfg.Password,
		db:       cfg.DB,
		key:      key,
		timeout:  timeout,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, field string) ([]byte, bool, error) {
	reply, err := s.do(ctx, "HGET", s.key, field)
	if err != nil {
		return nil, false, fmt.Errorf("redis hget %s: %w", field, err)
	}
	switch v := reply.(type) {
	case nil:
		return nil, false, nil
	case string:
		return []byte(v), true, nil
	default:
		return nil, false, fmt.Errorf("redis hget %s: unexpected reply %T", field, v)
	}
}

func (s *RedisStore) Set(ctx context.Context, field string, value []byte) error {
	if _, err := s.do(ctx, "HSET", s.key, field, string(value)); err != nil {
		return fmt.Errorf("redis hset %s: %w", field, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// do runs one command, redialling once when the cached connection is stale.
func (s *RedisStore) do(ctx context.Context, cmd string, args ...string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if s.conn == nil {
			conn, err := dialRESP(ctx, s.addr, s.timeout)
			if err != nil {
				return nil, err
			}
			if err := conn.initialize(s.password, s.db); err != nil {
				_ = conn.Close()
				return nil, err
			}
			s.conn = conn
		}
		_ = s.conn.conn.SetDeadline(deadline(ctx, s.timeout))
		reply, err := s.conn.roundTrip(cmd, args...)
		if err == nil {
			return reply, nil
		}
		var replyErr respError
		if errors.As(err, &replyErr) {
			return nil, err
		}
		lastErr = err
		_ = s.conn.Close()
		s.conn = nil
	}
	return nil, lastErr
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// respError is an error reply sent by the server.
type respError string

func (e respError) Error() string { return string(e) }

type respConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func dialRESP(ctx context.Context, addr string, timeout time.Duration) (*respConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &respConn{
		conn:   c,
		reader: bufio.NewReader(c),
		writer: bufio.NewWriter(c),
	}, nil
}

func (c *respConn) initialize(password string, db int) error {
	if password != "" {
		if _, err := c.roundTrip("AUTH", password); err != nil {
			return fmt.Errorf("redis auth: %w", err)
		}
	}
	if db != 0 {
		if _, err := c.roundTrip("SELECT", strconv.Itoa(db)); err != nil {
			return fmt.Errorf("redis select %d: %w", db, err)
		}
	}
	return nil
}

func (c *respConn) roundTrip(cmd string, args ...string) (any, error) {
	if err := c.send(cmd, args...); err != nil {
		return nil, err
	}
	return c.read()
}

func (c *respConn) send(cmd string, args ...string) error {
	if _, err := fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1); err != nil {
		return err
	}
	if err := writeBulk(c.writer, strings.ToUpper(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := writeBulk(c.writer, arg); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

// read decodes one reply: simple strings and bulk strings become string,
// integers int64, arrays []any and nil bulk or array replies nil.
func (c *respConn) read() (any, error) {
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(c.reader)
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return nil, respError(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	case '*':
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, nil
		}
		items := make([]any, 0, count)
		for i := 0; i < count; i++ {
			item, err := c.read()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected redis prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (c *respConn) Close() error {
	return c.conn.Close()
}
