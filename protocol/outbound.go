package protocol

import (
	"github.com/doorfleet/doorfleet/internal/timeutil"
	"github.com/doorfleet/doorfleet/state"
)

// InitialData is pushed to a dashboard observer right after accept.
type InitialData struct {
	Type string          `json:"type"`
	Data InitialDataBody `json:"data"`
}

// InitialDataBody carries the device snapshot.
type InitialDataBody struct {
	Devices   []state.Device `json:"devices"`
	Timestamp string         `json:"timestamp"`
}

// NewInitialData builds the accept-time snapshot message.
func NewInitialData(devices []state.Device) InitialData {
	return InitialData{
		Type: TypeInitialData,
		Data: InitialDataBody{Devices: devices, Timestamp: timeutil.NowStamp()},
	}
}

// DeviceStateChange announces a device snapshot after a mutation.
type DeviceStateChange struct {
	Type string                `json:"type"`
	Data DeviceStateChangeBody `json:"data"`
}

// DeviceStateChangeBody carries the full post-change snapshot.
type DeviceStateChangeBody struct {
	DeviceID  string       `json:"device_id"`
	NewState  state.Device `json:"new_state"`
	Timestamp string       `json:"timestamp"`
}

// NewDeviceStateChange builds a state-change broadcast.
func NewDeviceStateChange(d state.Device) DeviceStateChange {
	return DeviceStateChange{
		Type: TypeDeviceStateChange,
		Data: DeviceStateChangeBody{DeviceID: d.DoorID, NewState: d, Timestamp: timeutil.NowStamp()},
	}
}

// AccessEventMessage wraps an audit entry for broadcast.
type AccessEventMessage struct {
	Type string            `json:"type"`
	Data state.AccessEvent `json:"data"`
}

// NewAccessEvent builds an access-event broadcast.
func NewAccessEvent(e state.AccessEvent) AccessEventMessage {
	return AccessEventMessage{Type: TypeAccessEvent, Data: e}
}

// CommandResponse answers the originator of a dashboard command.
type CommandResponse struct {
	Type string              `json:"type"`
	Data CommandResponseBody `json:"data"`
}

// CommandResponseBody mirrors the HTTP attempt response.
type CommandResponseBody struct {
	DeviceID      string        `json:"device_id"`
	Command       state.Command `json:"command"`
	Status        state.Outcome `json:"status"`
	Message       string        `json:"message"`
	AccessGranted bool          `json:"access_granted"`
	Timestamp     string        `json:"timestamp"`
}

// NewCommandResponse builds an originator-only reply.
func NewCommandResponse(deviceID string, cmd state.Command, outcome state.Outcome, message string) CommandResponse {
	return CommandResponse{
		Type: TypeCommandResponse,
		Data: CommandResponseBody{
			DeviceID:      deviceID,
			Command:       cmd,
			Status:        outcome,
			Message:       message,
			AccessGranted: outcome == state.OutcomeGranted,
			Timestamp:     timeutil.NowStamp(),
		},
	}
}

// DeviceCommand is an authorized actuation pushed to a controller.
type DeviceCommand struct {
	Type      string        `json:"type"`
	Command   state.Command `json:"command"`
	Timestamp string        `json:"timestamp"`
}

// NewDeviceCommand builds a controller actuation message.
func NewDeviceCommand(cmd state.Command) DeviceCommand {
	return DeviceCommand{Type: TypeCommand, Command: cmd, Timestamp: timeutil.NowStamp()}
}

// CommandDenied tells a controller its button request was refused so
// the device suppresses local actuation.
type CommandDenied struct {
	Type      string        `json:"type"`
	Command   state.Command `json:"command"`
	Reason    string        `json:"reason"`
	Timestamp string        `json:"timestamp"`
}

// NewCommandDenied builds a button-refusal message.
func NewCommandDenied(cmd state.Command, reason string) CommandDenied {
	return CommandDenied{Type: TypeCommandDenied, Command: cmd, Reason: reason, Timestamp: timeutil.NowStamp()}
}

// Ping is the heartbeat probe.
type Ping struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// NewPing builds a heartbeat probe.
func NewPing() Ping {
	return Ping{Type: TypePing, Timestamp: timeutil.NowStamp()}
}

// Pong answers a peer ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// NewPong builds a ping reply.
func NewPong() Pong {
	return Pong{Type: TypePong, Timestamp: timeutil.NowStamp()}
}

// Handshake asks a controller to re-announce its status.
type Handshake struct {
	Type string `json:"type"`
}

// NewHandshake builds a re-announce request.
func NewHandshake() Handshake {
	return Handshake{Type: TypeHandshake}
}

// Ack acknowledges receipt of an informational frame.
type Ack struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAck builds a receipt acknowledgement.
func NewAck(message string) Ack {
	return Ack{Type: TypeAck, Message: message}
}

// ErrorMessage reports a validation failure back to the sender only.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds a validation error reply.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
