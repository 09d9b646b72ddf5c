package collab

import (
	"encoding/json"
	"sync"
)

// testTransport is an in-memory MessageTransport. Client emits are
// delivered to registered server handlers; `deliver` pushes server
// messages to client subscribers.
type testTransport struct {
	table *handlerTable

	stateLock sync.Mutex
	connected bool

	emitCallbacks             *CallbackList[func(name string, payload []byte)]
	connectionChangeCallbacks *CallbackList[func(connected bool)]
}

func newTestTransport() *testTransport {
	return &testTransport{
		table:                     newHandlerTable(),
		connected:                 true,
		emitCallbacks:             NewCallbackList[func(name string, payload []byte)](),
		connectionChangeCallbacks: NewCallbackList[func(connected bool)](),
	}
}

func (self *testTransport) Emit(name string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, emitCallback := range self.emitCallbacks.Get() {
		emitCallback(name, payloadBytes)
	}
	return nil
}

func (self *testTransport) On(name string, handler MessageHandlerFunction) func() {
	return self.table.on(name, handler)
}

func (self *testTransport) Off(name string) {
	self.table.off(name)
}

func (self *testTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *testTransport) AddConnectionChangeCallback(callback func(connected bool)) func() {
	return self.connectionChangeCallbacks.Add(callback)
}

func (self *testTransport) setConnected(connected bool) {
	self.stateLock.Lock()
	self.connected = connected
	self.stateLock.Unlock()
	for _, callback := range self.connectionChangeCallbacks.Get() {
		callback(connected)
	}
}

// server side: subscribe to client emits
func (self *testTransport) onEmit(callback func(name string, payload []byte)) func() {
	return self.emitCallbacks.Add(callback)
}

// server side: push a message to the client
func (self *testTransport) deliver(name string, payload any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	self.table.dispatch(name, payloadBytes)
}

// testServer acknowledges dispatched operations the way the authoritative
// server would. `respond` decides the reply per dispatch; nil means stay
// silent (to exercise timeouts).
type testServer struct {
	transport *testTransport

	stateLock  sync.Mutex
	dispatches []*OperationDispatch
	batches    []*BatchOperationDispatch

	respond      func(dispatch *OperationDispatch) any
	respondBatch func(batch *BatchOperationDispatch) any

	unsubs []func()
}

func newTestServer(transport *testTransport) *testServer {
	server := &testServer{
		transport: transport,
	}
	// ack everything by default
	server.respond = func(dispatch *OperationDispatch) any {
		return &OperationAck{OperationId: dispatch.OperationId}
	}
	server.respondBatch = func(batch *BatchOperationDispatch) any {
		return &BatchAck{BatchId: batch.BatchId}
	}
	server.unsubs = append(server.unsubs, transport.onEmit(server.handleEmit))
	return server
}

func (self *testServer) handleEmit(name string, payload []byte) {
	switch name {
	case MessageNameOperation:
		var dispatch OperationDispatch
		if err := json.Unmarshal(payload, &dispatch); err != nil {
			panic(err)
		}
		self.stateLock.Lock()
		self.dispatches = append(self.dispatches, &dispatch)
		respond := self.respond
		self.stateLock.Unlock()
		if respond == nil {
			return
		}
		switch response := respond(&dispatch).(type) {
		case *OperationAck:
			self.transport.deliver(MessageNameOperationAck, response)
		case *OperationRejected:
			self.transport.deliver(MessageNameOperationRejected, response)
		case nil:
			// silent
		}
	case MessageNameBatchOperation:
		var batch BatchOperationDispatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			panic(err)
		}
		self.stateLock.Lock()
		self.batches = append(self.batches, &batch)
		respondBatch := self.respondBatch
		self.stateLock.Unlock()
		if respondBatch == nil {
			return
		}
		switch response := respondBatch(&batch).(type) {
		case *BatchAck:
			self.transport.deliver(MessageNameBatchAck, response)
		case nil:
		}
	}
}

func (self *testServer) setRespond(respond func(dispatch *OperationDispatch) any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.respond = respond
}

func (self *testServer) setRespondBatch(respondBatch func(batch *BatchOperationDispatch) any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.respondBatch = respondBatch
}

func (self *testServer) dispatchCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.dispatches)
}

func (self *testServer) dispatchAt(i int) *OperationDispatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dispatches[i]
}

func (self *testServer) batchCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.batches)
}

func (self *testServer) batchAt(i int) *BatchOperationDispatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.batches[i]
}

func (self *testServer) close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
}

// test entity helpers

func testEntity(kind EntityKind, x float64, y float64) *Entity {
	return &Entity{
		Id:   NewId(),
		Kind: kind,
		Transform: Transform{
			Position: [2]float64{x, y},
			Size:     [2]float64{100, 100},
		},
		Properties: map[string]any{},
	}
}
