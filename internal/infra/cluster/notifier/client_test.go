package notifier

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// startStreamServer serves one connection, writes the given lines, and keeps
// the connection open until the returned stop func runs.
func startStreamServer(t *testing.T, lines ...string) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		for _, line := range lines {
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
		<-done
		_ = conn.Close()
	}()

	return ln.Addr().String(), func() {
		_ = ln.Close()
	}
}

func TestClientReadsNotifications(t *testing.T) {
	t.Parallel()

	addr, stop := startStreamServer(t,
		`{"type":"ha_info","role":"master"}`,
		`{"type":"ha_info","role":"none"}`,
	)
	defer stop()

	client, err := Connect(Config{Addr: addr, DialTimeout: time.Second}, logger.Noop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	n, err := client.Read()
	require.NoError(t, err)
	assert.Equal(t, NotificationTypeHaInfo, n.Type)
	assert.Equal(t, "master", n.Role)

	n, err = client.Read()
	require.NoError(t, err)
	assert.Equal(t, "none", n.Role)
}

func TestClientFiltersByType(t *testing.T) {
	t.Parallel()

	addr, stop := startStreamServer(t,
		`{"type":"heartbeat"}`,
		`{"type":"ha_info","role":"master"}`,
	)
	defer stop()

	client, err := Connect(Config{
		Addr:        addr,
		Types:       []string{NotificationTypeHaInfo},
		DialTimeout: time.Second,
	}, logger.Noop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	n, err := client.Read()
	require.NoError(t, err)
	assert.Equal(t, "master", n.Role, "non-subscribed types are skipped")
}

func TestClientReportsMalformedPayloadAndRecovers(t *testing.T) {
	t.Parallel()

	addr, stop := startStreamServer(t,
		`{not json`,
		`{"type":"ha_info","role":"none"}`,
	)
	defer stop()

	client, err := Connect(Config{Addr: addr, DialTimeout: time.Second}, logger.Noop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.Read()
	require.ErrorIs(t, err, ErrMalformedNotification)

	// The stream stays readable after a decode failure.
	n, err := client.Read()
	require.NoError(t, err)
	assert.Equal(t, "none", n.Role)
}

// Notification lines larger than bufio.Scanner's default 64KB limit must
// still come through instead of killing the stream.
func TestClientReadsOversizedNotification(t *testing.T) {
	t.Parallel()

	padding := strings.Repeat("x", 128*1024)
	addr, stop := startStreamServer(t,
		`{"type":"ha_info","role":"master","detail":"`+padding+`"}`,
		`{"type":"ha_info","role":"none"}`,
	)
	defer stop()

	client, err := Connect(Config{Addr: addr, DialTimeout: time.Second}, logger.Noop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	n, err := client.Read()
	require.NoError(t, err)
	assert.Equal(t, "master", n.Role)

	n, err = client.Read()
	require.NoError(t, err)
	assert.Equal(t, "none", n.Role)
}

func TestCloseUnblocksRead(t *testing.T) {
	t.Parallel()

	addr, stop := startStreamServer(t)
	defer stop()

	client, err := Connect(Config{Addr: addr, DialTimeout: time.Second}, logger.Noop())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Read()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read never unblocked after close")
	}

	assert.NoError(t, client.Close(), "close is idempotent")
}
