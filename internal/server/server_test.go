package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/cmdlog/internal/store"
)

func startTestServer(t *testing.T, cfg Config) (*Server, *store.Device, func()) {
	t.Helper()

	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BackingFile = ""
	if cfg.ReadChunk == 0 {
		cfg.ReadChunk = store.DefaultReadChunk
	}

	storeCfg := store.DefaultConfig()
	dev := store.New(storeCfg, zap.NewNop().Sugar())
	srv := New(cfg, dev, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	// Block until the listener is bound so dials below always succeed.
	_ = srv.Addr()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	}

	return srv, dev, stop
}

func sendLine(t *testing.T, addr net.Addr, line string) string {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(line))
	require.NoError(t, err)

	reply, err := readAll(conn)
	require.NoError(t, err)
	return reply
}

func readAll(conn net.Conn) (string, error) {
	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return string(buf), nil
		}
	}
}

func Test_EchoGrowsWithEachCommand(t *testing.T) {
	srv, _, stop := startTestServer(t, Config{TimestampInterval: 0})
	defer stop()

	reply := sendLine(t, srv.Addr(), "hello\n")
	assert.Equal(t, "hello\n", reply)

	reply = sendLine(t, srv.Addr(), "world\n")
	assert.Equal(t, "hello\nworld\n", reply)
}

func Test_ConcurrentClientsEachSeeOwnLineAndAllAreRetained(t *testing.T) {
	srv, _, stop := startTestServer(t, Config{TimestampInterval: 0})
	defer stop()

	type result struct{ reply string }
	c1 := make(chan result, 1)
	c2 := make(chan result, 1)

	go func() { c1 <- result{sendLine(t, srv.Addr(), "first\n")} }()
	go func() { c2 <- result{sendLine(t, srv.Addr(), "second\n")} }()

	r1 := <-c1
	r2 := <-c2

	assert.Contains(t, r1.reply, "first\n")
	assert.Contains(t, r2.reply, "second\n")

	final := sendLine(t, srv.Addr(), "third\n")
	assert.Contains(t, final, "first\n")
	assert.Contains(t, final, "second\n")
	assert.Contains(t, final, "third\n")
}

func Test_RingEvictionVisibleOverTCP(t *testing.T) {
	storeCfg := store.DefaultConfig()
	storeCfg.Capacity = 10

	cfg := Config{TimestampInterval: 0}
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BackingFile = ""

	dev := store.New(storeCfg, zap.NewNop().Sugar())
	srv := New(cfg, dev, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	_ = srv.Addr()

	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	}()

	for i := 1; i <= 12; i++ {
		reply := sendLine(t, srv.Addr(), fmt.Sprintf("cmd%d\n", i))
		assert.Containsf(t, reply, fmt.Sprintf("cmd%d\n", i), "reply to client %d", i)
	}

	final := sendLine(t, srv.Addr(), "\n")

	// 13 total commands have now been committed against a capacity-10
	// ring, so only the last 10 survive: cmd4 through cmd12, plus the
	// empty line just sent.
	var want string
	for i := 4; i <= 12; i++ {
		want += fmt.Sprintf("cmd%d\n", i)
	}
	want += "\n"

	assert.Equal(t, want, final)
}

func Test_PartialLineWithoutNewlineLeavesStoreUnchanged(t *testing.T) {
	srv, dev, stop := startTestServer(t, Config{TimestampInterval: 0})
	defer stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("no newline here"))
	require.NoError(t, err)
	conn.Close()

	// Give the worker a moment to observe the close and abandon the
	// request before asserting on store state.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, dev.Len())

	reply := sendLine(t, srv.Addr(), "clean\n")
	assert.Equal(t, "clean\n", reply)
}

func Test_SeekToDirectiveSendsNoReply(t *testing.T) {
	srv, dev, stop := startTestServer(t, Config{TimestampInterval: 0})
	defer stop()

	for i := 0; i < 10; i++ {
		sendLine(t, srv.Addr(), "abcd\n")
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("AESDCHAR_IOCSEEKTO:2,3\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = reader.ReadByte()
	assert.Error(t, err, "seek_to directives receive no response")
	conn.Close()

	// The directive only moves the cursor of the worker's own handle, which
	// is released when the connection closes; the offset it resolves to is
	// checked here by repeating the same seek on a fresh handle.
	o := dev.Open()
	defer o.Release()

	pos, err := o.SeekTo(2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2*5+3), pos)
}

func Test_ShutdownCompletesWithoutClients(t *testing.T) {
	_, _, stop := startTestServer(t, Config{TimestampInterval: 0})
	stop()
}
