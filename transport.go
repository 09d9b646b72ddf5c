package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const transportBufferSize = 32

type MessageHandlerFunction func(payload []byte)

// MessageTransport is the bidirectional event channel collaborator.
// Delivery is at-least-once and order-preserving per name.
type MessageTransport interface {
	Emit(name string, payload any) error
	On(name string, handler MessageHandlerFunction) func()
	Off(name string)
	IsConnected() bool
}

// envelope frames one named event on the wire
type envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handlerTable routes decoded envelopes to subscribed handlers.
// Shared by the websocket transport and the in-memory test transport.
type handlerTable struct {
	stateLock sync.Mutex
	handlers  map[string]*CallbackList[MessageHandlerFunction]
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		handlers: map[string]*CallbackList[MessageHandlerFunction]{},
	}
}

func (self *handlerTable) on(name string, handler MessageHandlerFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.handlers[name]
	if !ok {
		callbacks = NewCallbackList[MessageHandlerFunction]()
		self.handlers[name] = callbacks
	}
	self.stateLock.Unlock()
	return callbacks.Add(handler)
}

func (self *handlerTable) off(name string) {
	self.stateLock.Lock()
	callbacks, ok := self.handlers[name]
	self.stateLock.Unlock()
	if ok {
		callbacks.Clear()
	}
}

func (self *handlerTable) dispatch(name string, payload []byte) {
	self.stateLock.Lock()
	callbacks, ok := self.handlers[name]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	for _, handler := range callbacks.Get() {
		func() {
			defer recover()
			handler(payload)
		}()
	}
}

type WebsocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WebsocketTransport is the concrete MessageTransport: a websocket client
// with a reconnect loop, ping keepalive, and JSON envelope framing.
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *WebsocketTransportSettings

	table *handlerTable

	stateLock sync.Mutex
	connected bool
	send      chan []byte

	connectionChangeCallbacks *CallbackList[func(connected bool)]
}

func NewWebsocketTransportWithDefaults(ctx context.Context, url string) *WebsocketTransport {
	return NewWebsocketTransport(ctx, url, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(ctx context.Context, url string, settings *WebsocketTransportSettings) *WebsocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketTransport{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		url:                       url,
		settings:                  settings,
		table:                     newHandlerTable(),
		send:                      make(chan []byte, transportBufferSize),
		connectionChangeCallbacks: NewCallbackList[func(connected bool)](),
	}
	go transport.run()
	return transport
}

func (self *WebsocketTransport) AddConnectionChangeCallback(callback func(connected bool)) func() {
	return self.connectionChangeCallbacks.Add(callback)
}

func (self *WebsocketTransport) setConnected(connected bool) {
	self.stateLock.Lock()
	changed := self.connected != connected
	self.connected = connected
	self.stateLock.Unlock()

	if changed {
		for _, callback := range self.connectionChangeCallbacks.Get() {
			func() {
				defer recover()
				callback(connected)
			}()
		}
	}
}

func (self *WebsocketTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *WebsocketTransport) Emit(name string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	messageBytes, err := json.Marshal(&envelope{
		Name:    name,
		Payload: payloadBytes,
	})
	if err != nil {
		return err
	}
	select {
	case self.send <- messageBytes:
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *WebsocketTransport) On(name string, handler MessageHandlerFunction) func() {
	return self.table.on(name, handler)
}

func (self *WebsocketTransport) Off(name string) {
	self.table.off(name)
}

func (self *WebsocketTransport) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[t]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setConnected(true)

		func() {
			defer ws.Close()
			defer self.setConnected(false)

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[ts]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[ts]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[tr]<- error = %s\n", err)
					return
				}

				switch messageType {
				case websocket.TextMessage:
					if 0 == len(message) {
						// ping
						glog.V(2).Infof("[tr]ping <-\n")
						continue
					}
					var e envelope
					if err := json.Unmarshal(message, &e); err != nil {
						glog.Infof("[tr]bad envelope = %s\n", err)
						continue
					}
					glog.V(2).Infof("[tr]%s<-\n", e.Name)
					self.table.dispatch(e.Name, e.Payload)
				}
			}
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WebsocketTransport) Close() {
	self.cancel()
}
