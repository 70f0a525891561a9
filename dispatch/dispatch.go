// Package dispatch carries authorized commands to door controllers.
// Dispatch is fire and forget: the caller gets the send result, never a
// confirmation, because physical_status only changes when the controller
// reports back with a status_update.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/observability"
	"github.com/doorfleet/doorfleet/protocol"
	"github.com/doorfleet/doorfleet/state"
)

// ErrNotConnected reports that no controller session exists for the
// device. Senders return it so callers can downgrade a grant to
// device_offline before anyone observes it.
var ErrNotConnected = errors.New("controller not connected")

// Sender delivers one message to the controller session for a device.
type Sender interface {
	SendToController(ctx context.Context, deviceID string, v interface{}) error
}

// Dispatcher sends actuation and refusal messages to controllers.
type Dispatcher struct {
	sender       Sender
	obs          observability.AccessObserver
	sendDeadline time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver installs a metric observer.
func WithObserver(obs observability.AccessObserver) Option {
	return func(d *Dispatcher) { d.obs = obs }
}

// WithSendDeadline bounds each controller write.
func WithSendDeadline(dl time.Duration) Option {
	return func(d *Dispatcher) { d.sendDeadline = dl }
}

// New returns a Dispatcher writing through the sender.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:       sender,
		obs:          observability.NoopAccessObserver,
		sendDeadline: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends an actuation command to the device controller. It
// returns ErrNotConnected when no session exists; any other error means
// the write failed and the session is being torn down by its owner.
func (d *Dispatcher) Dispatch(deviceID string, cmd state.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendDeadline)
	defer cancel()

	err := d.sender.SendToController(ctx, deviceID, protocol.NewDeviceCommand(cmd))
	switch {
	case err == nil:
		d.obs.Dispatch(observability.DispatchDelivered)
		return nil
	case errors.Is(err, ErrNotConnected):
		d.obs.Dispatch(observability.DispatchOffline)
		return err
	default:
		d.obs.Dispatch(observability.DispatchFailed)
		logutil.WithDevice(deviceID).WithField("command", cmd).
			WithError(err).Warn("command dispatch write failed")
		return err
	}
}

// NotifyDenied tells the controller its button request was refused so
// the device suppresses local actuation. Best effort; a missing or dying
// session is not an error worth surfacing.
func (d *Dispatcher) NotifyDenied(deviceID string, cmd state.Command, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendDeadline)
	defer cancel()

	if err := d.sender.SendToController(ctx, deviceID, protocol.NewCommandDenied(cmd, reason)); err != nil && !errors.Is(err, ErrNotConnected) {
		logutil.WithDevice(deviceID).WithField("command", cmd).
			WithError(err).Debug("command_denied write failed")
	}
}
