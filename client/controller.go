// Package client implements the controller side of the device
// websocket: it keeps a session to the coordinator alive, answers
// heartbeats and handshakes, actuates authorized commands through an
// Actuator and reports position changes back.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/internal/timeutil"
	"github.com/doorfleet/doorfleet/protocol"
	"github.com/doorfleet/doorfleet/realtime/ws"
	"github.com/doorfleet/doorfleet/state"
)

// ErrNotConnected reports that no live session exists right now.
var ErrNotConnected = errors.New("not connected")

// Actuator is the device hardware behind the controller: it applies
// commands and knows the current door position.
type Actuator interface {
	Apply(cmd state.Command) (state.PhysicalStatus, error)
	Status() state.PhysicalStatus
}

// Controller maintains one device session against the coordinator.
type Controller struct {
	baseURL  string
	deviceID string
	act      Actuator

	dialTimeout time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration

	// OnDenied fires when the server refuses a button request, so the
	// hardware suppresses local actuation.
	OnDenied func(cmd state.Command, reason string)

	connMu sync.Mutex
	conn   *ws.Conn
}

// Option configures a Controller.
type Option func(*Controller)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Controller) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// New returns a Controller for one device. baseURL is the coordinator
// websocket root, e.g. "ws://localhost:8000/ws".
func New(baseURL string, deviceID string, act Actuator, opts ...Option) *Controller {
	c := &Controller{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		deviceID:    deviceID,
		act:         act,
		dialTimeout: 10 * time.Second,
		minBackoff:  time.Second,
		maxBackoff:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run keeps the session alive until the context ends, reconnecting with
// jittered exponential backoff.
func (c *Controller) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logutil.WithDevice(c.deviceID).WithError(err).Warn("session ended; reconnecting")

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
		if err == nil {
			backoff = c.minBackoff
		}
	}
}

func (c *Controller) url() string {
	return fmt.Sprintf("%s/%s", c.baseURL, c.deviceID)
}

func (c *Controller) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, _, err := ws.Dial(dialCtx, c.url(), ws.DialOptions{})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	logutil.WithDevice(c.deviceID).Info("connected")
	if err := c.sendStatus(ctx, conn); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.handleFrame(ctx, conn, data); err != nil {
			return err
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, conn *ws.Conn, data []byte) error {
	typ, err := protocol.ParseEnvelope(data, protocol.Constraints{})
	if err != nil {
		logutil.WithDevice(c.deviceID).WithError(err).Debug("unparseable frame")
		return nil
	}
	switch typ {
	case protocol.TypePing:
		return conn.WriteJSON(ctx, protocol.NewPong())

	case protocol.TypeHandshake:
		return c.sendStatus(ctx, conn)

	case protocol.TypeCommand:
		var m struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		cmd, err := state.ParseCommand(m.Command)
		if err != nil {
			logutil.WithDevice(c.deviceID).WithField("command", m.Command).Warn("unknown command ignored")
			return nil
		}
		return c.actuate(ctx, conn, cmd)

	case protocol.TypeCommandDenied:
		var m protocol.CommandDenied
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		logutil.WithDevice(c.deviceID).WithFields(map[string]interface{}{
			"command": m.Command,
			"reason":  m.Reason,
		}).Info("button request denied")
		if c.OnDenied != nil {
			c.OnDenied(m.Command, m.Reason)
		}
		return nil

	case protocol.TypeAck, protocol.TypePong:
		return nil

	case protocol.TypeError:
		var m protocol.ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		logutil.WithDevice(c.deviceID).WithField("message", m.Message).Warn("server error frame")
		return nil
	}
	return nil
}

// actuate applies the command and reports both the result and the new
// position. The status_update is what moves the server's view.
func (c *Controller) actuate(ctx context.Context, conn *ws.Conn, cmd state.Command) error {
	_, err := c.act.Apply(cmd)
	report := protocol.CommandResponseReport{
		Type:      protocol.TypeCommandResponse,
		Command:   string(cmd),
		Success:   err == nil,
		Timestamp: timeutil.NowStamp(),
	}
	if err != nil {
		report.Message = err.Error()
	}
	if werr := conn.WriteJSON(ctx, report); werr != nil {
		return werr
	}
	if err != nil {
		logutil.WithDevice(c.deviceID).WithError(err).Warn("actuation failed")
		return nil
	}
	return c.sendStatus(ctx, conn)
}

func (c *Controller) sendStatus(ctx context.Context, conn *ws.Conn) error {
	return conn.WriteJSON(ctx, protocol.StatusUpdate{
		Type:      protocol.TypeStatusUpdate,
		Data:      protocol.StatusUpdateData{PhysicalStatus: string(c.act.Status())},
		Timestamp: timeutil.NowStamp(),
	})
}

// PressButton sends a button_command_request over the live session.
func (c *Controller) PressButton(ctx context.Context, cmd state.Command) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(ctx, protocol.ButtonCommandRequest{
		Type:      protocol.TypeButtonCommandRequest,
		Command:   string(cmd),
		Timestamp: timeutil.NowStamp(),
	})
}
