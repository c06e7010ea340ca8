// Package switchio is the thin command channel to the media switch: it
// issues originate/bridge/transfer/kill commands over a persistent
// line-oriented connection and exposes a channel of parsed call-progress
// events. It knows nothing about agents, leads, or queues — callers
// translate switch events into domain transitions.
package switchio

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReconnectBackoff is the fixed delay between a dropped connection and
// the next dial attempt.
const ReconnectBackoff = time.Second

// Client is a persistent connection to the switch's command/event
// channel. It reconnects automatically on disconnect. Safe for
// concurrent use: API/BGAPI calls are serialized over the single
// connection by an internal mutex, matching a real ESL connection's
// single command-response channel.
type Client struct {
	addr   string
	log    *slog.Logger
	events chan Event

	mu   sync.Mutex
	conn net.Conn
	rw   *bufio.ReadWriter

	cmdMu sync.Mutex // held across one command's write and reply read
}

// NewClient returns a Client that will dial addr lazily on first use or
// background Run.
func NewClient(addr string, log *slog.Logger) *Client {
	return &Client{
		addr:   addr,
		log:    log,
		events: make(chan Event, 256),
	}
}

// Events returns the channel of parsed call-progress events. Closed when
// Run's context is cancelled.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run maintains the connection and event stream until ctx is cancelled,
// reconnecting with ReconnectBackoff on any disconnect. Grounded on the
// same ticker/ctx.Done shape this codebase already uses for its other
// long-lived background loops (expiry cleanup, the dialer cycle).
func (c *Client) Run(ctx context.Context) {
	defer close(c.events)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil {
			c.log.Error("switchio: connect failed", "addr", c.addr, "error", err)
			if !sleepOrDone(ctx, ReconnectBackoff) {
				return
			}
			continue
		}

		c.log.Info("switchio: connected", "addr", c.addr)
		if err := c.subscribe(); err != nil {
			c.log.Error("switchio: subscribe failed", "error", err)
			c.closeConn()
			if !sleepOrDone(ctx, ReconnectBackoff) {
				return
			}
			continue
		}

		c.readEvents(ctx)
		c.closeConn()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("switchio: event stream disconnected, reconnecting", "backoff", ReconnectBackoff)
		if !sleepOrDone(ctx, ReconnectBackoff) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing switch at %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.rw = nil
	}
}

func (c *Client) subscribe() error {
	cmd := "event plain " + strings.Join(EventSubscription, " ")
	_, err := c.sendLine(cmd)
	return err
}

// sendLine writes one command line and reads back the switch's
// single-line reply body, matching the "+OK ..." / "-ERR ..." response
// discipline.
func (c *Client) sendLine(cmd string) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	if rw == nil {
		return "", fmt.Errorf("switchio: not connected")
	}

	if _, err := rw.WriteString(cmd + "\n"); err != nil {
		return "", fmt.Errorf("writing command: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return "", fmt.Errorf("flushing command: %w", err)
	}

	line, err := rw.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// API issues a synchronous command and returns the switch's reply body.
func (c *Client) API(cmd string) (string, error) {
	return c.sendLine("api " + cmd)
}

// BGAPI issues a fire-and-forget command. It returns (originationUUID,
// true) if the reply starts with "+OK", or ("", false) on anything else;
// the reply is not parsed for a uuid. When originationUUID is empty,
// BGAPI substitutes a freshly generated one so callers always have a
// call-uuid to key active-call state on; cmd itself is sent unchanged.
func (c *Client) BGAPI(cmd string, originationUUID string) (string, bool) {
	if originationUUID == "" {
		originationUUID = uuid.NewString()
	}
	reply, err := c.sendLine("bgapi " + cmd)
	if err != nil {
		c.log.Error("switchio: bgapi failed", "cmd", cmd, "error", err)
		return "", false
	}
	if !strings.HasPrefix(reply, "+OK") {
		c.log.Warn("switchio: bgapi rejected", "cmd", cmd, "reply", reply)
		return "", false
	}
	return originationUUID, true
}

func (c *Client) readEvents(ctx context.Context) {
	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	if rw == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		ev, err := Parse(line)
		if err != nil {
			c.log.Warn("switchio: dropping unparseable event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
