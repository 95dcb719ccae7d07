// Package notifier implements the cluster HA-info notification stream
// consumer: a TCP client reading newline-delimited JSON notifications and a
// watcher translating role transitions into supervision events.
package notifier

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/orchestrant/bgworker/pkg/common/logger"
)

// Notification types emitted by the cluster membership service.
const (
	// NotificationTypeHaInfo announces the node's HA role. The service
	// replays the current role as the first notification after connect, so
	// subscribers converge without a separate query.
	NotificationTypeHaInfo = "ha_info"
)

// maxNotificationBytes bounds a single notification line.
const maxNotificationBytes = 1024 * 1024

// ErrMalformedNotification reports a payload that could not be decoded. It
// is recoverable: the caller logs it and keeps reading; previous HA state is
// retained.
var ErrMalformedNotification = errors.New("malformed notification payload")

// Notification is one wire-level message from the HA-info stream.
type Notification struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
}

// Config holds the connection settings for the notification stream.
type Config struct {
	// Addr is the host:port of the cluster notification endpoint.
	Addr string

	// Types filters the subscription; notifications of other types are
	// skipped client-side. Empty means all types.
	Types []string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// MaxConnectElapsed bounds the total time spent retrying the initial
	// connection with exponential backoff.
	MaxConnectElapsed time.Duration
}

// Client reads notifications from an established stream connection. Close is
// idempotent and unblocks a concurrent Read.
type Client struct {
	conn  net.Conn
	r     *bufio.Scanner
	types map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// Connect establishes the stream connection with exponential backoff,
// retrying transient dial failures until MaxConnectElapsed.
func Connect(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	expBackoff := backoff.NewExponentialBackOff()
	if cfg.MaxConnectElapsed > 0 {
		expBackoff.MaxElapsedTime = cfg.MaxConnectElapsed
	}

	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", cfg.Addr, cfg.DialTimeout)
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("connecting to notification stream %q: %w", cfg.Addr, err)
	}

	types := make(map[string]struct{}, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t] = struct{}{}
	}

	// The scanner's default 64KB line limit would turn one oversized
	// notification into a terminal stream error.
	r := bufio.NewScanner(conn)
	r.Buffer(make([]byte, 0, 64*1024), maxNotificationBytes)

	return &Client{
		conn:  conn,
		r:     r,
		types: types,
	}, nil
}

// Read blocks for the next notification passing the type filter. Decode
// failures return ErrMalformedNotification and leave the stream readable;
// transport failures (including Close from another goroutine) are terminal.
func (c *Client) Read() (Notification, error) {
	for {
		if !c.r.Scan() {
			if err := c.r.Err(); err != nil {
				return Notification{}, err
			}
			return Notification{}, net.ErrClosed
		}

		line := c.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}

		if len(c.types) > 0 {
			if _, ok := c.types[n.Type]; !ok {
				continue
			}
		}
		return n, nil
	}
}

// Close tears down the connection. Idempotent; a blocked Read unblocks with
// a terminal error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}
