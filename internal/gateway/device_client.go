package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/internal/store"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// deviceClient is one device WebSocket connection. It implements
// device.Transport: the registry closes it when a newer connection for the
// same device identity supersedes it.
type deviceClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	ip     string
	send   chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	registered bool
	deviceID   string
}

func newDeviceClient(conn *websocket.Conn, server *Server, ip string) *deviceClient {
	return &deviceClient{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		ip:     ip,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// ID implements device.Transport.
func (c *deviceClient) ID() string { return c.id }

// RemoteAddr implements device.Transport.
func (c *deviceClient) RemoteAddr() string { return c.ip }

// Send marshals and queues one outbound message. It never blocks: when the
// buffer is full the message is dropped with a warning, matching the
// best-effort contract of stream/control instructions.
func (c *deviceClient) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("device send buffer full, dropping message", "device", c.deviceID, "transport", c.id)
		return errors.New("send buffer full")
	}
}

// Close implements device.Transport; safe to call more than once.
func (c *deviceClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// readPump reads and dispatches device messages until the connection dies.
func (c *deviceClient) readPump() {
	defer func() {
		c.Close()
		c.conn.Close()
		if c.registered {
			if _, offline := c.server.Registry.Unregister(c.id); offline {
				slog.Info("device disconnected", "device", c.deviceID, "transport", c.id)
			}
		}
	}()

	c.conn.SetReadLimit(maxDeviceMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("device websocket read error", "device", c.deviceID, "transport", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if done := c.handleMessage(data); done {
			return
		}
	}
}

// writePump flushes queued messages and pings until the transport closes.
func (c *deviceClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one inbound message. The first message must be a
// register handshake; everything else on an unregistered connection closes
// it. Returns true when the connection should terminate.
func (c *deviceClient) handleMessage(data []byte) bool {
	msgType, err := protocol.ParseType(data)
	if err != nil {
		slog.Warn("malformed device message", "transport", c.id, "error", err)
		return !c.registered
	}

	if !c.registered {
		if msgType != protocol.MsgRegister {
			slog.Warn("device sent message before register", "transport", c.id, "type", msgType)
			return true
		}
		return c.handleRegister(data)
	}

	c.server.Registry.Touch(c.deviceID)

	switch msgType {
	case protocol.MsgCommandResponse:
		var msg protocol.CommandResponseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed command response", "device", c.deviceID, "error", err)
			return false
		}
		c.server.Correlator.HandleResponse(c.deviceID, &msg)

	case protocol.MsgData:
		var msg protocol.DataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed data message", "device", c.deviceID, "error", err)
			return false
		}
		c.handleData(&msg)

	case protocol.MsgScreenFrame:
		var msg protocol.ScreenFrameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed screen frame", "device", c.deviceID, "error", err)
			return false
		}
		c.server.Streams.HandleFrame(c.deviceID, msg.Data)

	case protocol.MsgFile:
		var msg protocol.FileMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed file message", "device", c.deviceID, "error", err)
			return false
		}
		c.handleFile(&msg)

	case protocol.MsgDisconnect:
		slog.Info("device requested disconnect", "device", c.deviceID)
		return true

	default:
		slog.Debug("unknown device message type", "device", c.deviceID, "type", msgType)
	}
	return false
}

// handleRegister authenticates and registers the device, superseding any
// prior transport for the same device id.
func (c *deviceClient) handleRegister(data []byte) bool {
	var msg protocol.RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed register message", "transport", c.id, "error", err)
		return true
	}
	if msg.DeviceID == "" {
		slog.Warn("register without device_id", "transport", c.id)
		return true
	}
	if msg.Platform != device.PlatformAndroid && msg.Platform != device.PlatformIOS {
		slog.Warn("register with unknown platform", "transport", c.id, "platform", msg.Platform)
		return true
	}
	if c.server.token != "" && msg.Token != c.server.token {
		slog.Warn("register with bad token", "transport", c.id, "device", msg.DeviceID, "ip", c.ip)
		return true
	}

	sess := c.server.Registry.Register(device.RegisterInfo{
		DeviceID:        msg.DeviceID,
		Platform:        msg.Platform,
		PlatformVersion: msg.PlatformVersion,
		Model:           msg.Model,
		AppVersion:      msg.AppVersion,
		IPAddress:       c.ip,
		Metadata:        msg.Metadata,
	}, c)
	c.registered = true
	c.deviceID = msg.DeviceID

	if err := c.server.devices.Upsert(context.Background(), store.DeviceRecord{
		DeviceID:        sess.DeviceID,
		Platform:        sess.Platform,
		PlatformVersion: sess.PlatformVersion,
		Model:           sess.Model,
		AppVersion:      sess.AppVersion,
		LastIP:          sess.IPAddress,
		FirstSeenAt:     sess.ConnectedAt,
		LastSeenAt:      sess.LastSeenAt,
		Online:          true,
	}); err != nil {
		slog.Warn("persist device failed", "device", sess.DeviceID, "error", err)
	}

	slog.Info("device registered", "device", sess.DeviceID, "platform", sess.Platform, "model", sess.Model, "transport", c.id)
	c.server.Hub.Publish(protocol.TopicDeviceConnected, sess)
	return false
}

// handleData forwards telemetry to the data repository and notifies
// observers. The gateway retains nothing.
func (c *deviceClient) handleData(msg *protocol.DataMessage) {
	if err := c.server.data.RecordData(context.Background(), store.DataRecord{
		DeviceID:   c.deviceID,
		DataType:   msg.DataType,
		Payload:    msg.Payload,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("record data failed", "device", c.deviceID, "data_type", msg.DataType, "error", err)
	}
	c.server.Hub.Publish(protocol.TopicDeviceDataUpdate, map[string]any{
		"device_id": c.deviceID,
		"data_type": msg.DataType,
	})
}

// handleFile persists file metadata and notifies observers.
func (c *deviceClient) handleFile(msg *protocol.FileMessage) {
	if err := c.server.data.AddFile(context.Background(), store.FileRecord{
		DeviceID:   c.deviceID,
		Name:       msg.Name,
		Size:       msg.Size,
		MimeType:   msg.MimeType,
		Path:       msg.Path,
		UploadedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("add file failed", "device", c.deviceID, "name", msg.Name, "error", err)
	}
	c.server.Hub.Publish(protocol.TopicFileUploaded, map[string]any{
		"device_id": c.deviceID,
		"name":      msg.Name,
		"size":      msg.Size,
	})
}
