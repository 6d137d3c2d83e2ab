package runstate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type counterState struct {
	Count int `json:"count"`
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	var missing counterState
	ok, err := GetJSON(ctx, store, "STATE", &missing)
	if err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := SetJSON(ctx, store, "STATE", counterState{Count: 7}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetJSON(ctx, store, "STATE", counterState{Count: 8}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	var got counterState
	ok, err = GetJSON(ctx, store, "STATE", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Count != 8 {
		t.Fatalf("expected count 8, got %d", got.Count)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, store)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	var got counterState
	if ok, err := GetJSON(context.Background(), reopened, "STATE", &got); err != nil || !ok || got.Count != 8 {
		t.Fatalf("expected persisted count 8, got %+v ok=%v err=%v", got, ok, err)
	}
}

// fakeRedis answers HGET and HSET against an in-memory hash.
func fakeRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	var mu sync.Mutex
	hash := map[string]string{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					args, err := readCommand(r)
					if err != nil {
						return
					}
					mu.Lock()
					switch strings.ToUpper(args[0]) {
					case "HSET":
						hash[args[1]+"/"+args[2]] = args[3]
						fmt.Fprint(c, ":1\r\n")
					case "HGET":
						v, ok := hash[args[1]+"/"+args[2]]
						if !ok {
							fmt.Fprint(c, "$-1\r\n")
						} else {
							fmt.Fprintf(c, "$%d\r\n%s\r\n", len(v), v)
						}
					default:
						fmt.Fprint(c, "-ERR unknown command\r\n")
					}
					mu.Unlock()
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	var n int
	if _, err := fmt.Sscanf(line, "*%d", &n); err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if _, err := readLine(r); err != nil {
			return nil, err
		}
		value, err := readLine(r)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

func TestRedisStore(t *testing.T) {
	host, port, _ := net.SplitHostPort(fakeRedis(t))
	store, err := NewRedisStore(RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)

	var replyErr respError
	_, err = store.do(context.Background(), "FLUSHALL")
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected server error reply, got %v", err)
	}
}

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := Lock(dir)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := Lock(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := Lock(dir)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = again.Unlock()
}
