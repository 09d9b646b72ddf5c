package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type ConnectionState string

const (
	ConnectionStateDisconnected  ConnectionState = "disconnected"
	ConnectionStateConnecting    ConnectionState = "connecting"
	ConnectionStateConnected     ConnectionState = "connected"
	ConnectionStateDisconnecting ConnectionState = "disconnecting"
	ConnectionStateError         ConnectionState = "error"
)

// the transition table is fixed. An attempted transition outside it
// fails fast rather than silently coercing state.
var connectionTransitions = map[ConnectionState][]ConnectionState{
	ConnectionStateDisconnected:  {ConnectionStateConnecting},
	ConnectionStateConnecting:    {ConnectionStateConnected, ConnectionStateError, ConnectionStateDisconnected},
	ConnectionStateConnected:     {ConnectionStateDisconnecting, ConnectionStateError},
	ConnectionStateDisconnecting: {ConnectionStateDisconnected, ConnectionStateError},
	ConnectionStateError:         {ConnectionStateConnecting, ConnectionStateDisconnected},
}

type InvalidTransitionError struct {
	From ConnectionState
	To   ConnectionState
}

func (self *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid connection transition %s -> %s", self.From, self.To)
}

// DispatchFunction performs the actual server round trip for one operation.
type DispatchFunction func(ctx context.Context, operation *Operation) (*OperationResult, error)

type StateChangeFunction func(from ConnectionState, to ConnectionState)

type connectionResolution struct {
	result *OperationResult
	err    error
}

type queuedDispatch struct {
	ctx       context.Context
	operation *Operation
	dispatch  DispatchFunction
	resolved  chan connectionResolution
}

// ConnectionStateMachine models the transport lifecycle and gates
// operation dispatch. Operations submitted while not connected are queued
// and drained in submission order on entering connected, each resolving
// or rejecting independently.
type ConnectionStateMachine struct {
	dispatch DispatchFunction

	stateLock sync.Mutex
	state     ConnectionState
	queue     []*queuedDispatch

	stateChangeCallbacks *CallbackList[StateChangeFunction]
}

func NewConnectionStateMachine(dispatch DispatchFunction) *ConnectionStateMachine {
	return &ConnectionStateMachine{
		dispatch:             dispatch,
		state:                ConnectionStateDisconnected,
		queue:                []*queuedDispatch{},
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
	}
}

func (self *ConnectionStateMachine) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionStateMachine) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	return self.stateChangeCallbacks.Add(stateChangeCallback)
}

func (self *ConnectionStateMachine) TransitionTo(to ConnectionState) error {
	self.stateLock.Lock()
	from := self.state
	if !slices.Contains(connectionTransitions[from], to) {
		self.stateLock.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	self.state = to
	var drain []*queuedDispatch
	if to == ConnectionStateConnected {
		drain = self.queue
		self.queue = []*queuedDispatch{}
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[conn]%s -> %s\n", from, to)
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		func() {
			defer recover()
			stateChangeCallback(from, to)
		}()
	}

	if 0 < len(drain) {
		glog.V(1).Infof("[conn]drain %d queued operations\n", len(drain))
		go self.drainQueue(drain)
	}
	return nil
}

// drained in submission order. Each entry resolves or rejects on its own;
// one failure does not abort the rest.
func (self *ConnectionStateMachine) drainQueue(drain []*queuedDispatch) {
	for _, queued := range drain {
		select {
		case <-queued.ctx.Done():
			queued.resolved <- connectionResolution{err: queued.ctx.Err()}
			continue
		default:
		}
		result, err := queued.dispatch(queued.ctx, queued.operation)
		queued.resolved <- connectionResolution{result: result, err: err}
	}
}

// Submit dispatches immediately when connected, otherwise queues until the
// machine enters connected or the context is canceled.
func (self *ConnectionStateMachine) Submit(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.SubmitWith(ctx, operation, self.dispatch)
}

// SubmitWith gates an alternate round trip (undo and redo re-broadcasts)
// through the same queue.
func (self *ConnectionStateMachine) SubmitWith(ctx context.Context, operation *Operation, dispatch DispatchFunction) (*OperationResult, error) {
	self.stateLock.Lock()
	if self.state == ConnectionStateConnected {
		self.stateLock.Unlock()
		return dispatch(ctx, operation)
	}

	queued := &queuedDispatch{
		ctx:       ctx,
		operation: operation,
		dispatch:  dispatch,
		resolved:  make(chan connectionResolution, 1),
	}
	self.queue = append(self.queue, queued)
	self.stateLock.Unlock()

	glog.V(2).Infof("[conn]queue %s while %s\n", operation.Id, self.State())

	select {
	case resolution := <-queued.resolved:
		return resolution.result, resolution.err
	case <-ctx.Done():
		self.removeQueued(queued)
		return nil, ctx.Err()
	}
}

func (self *ConnectionStateMachine) removeQueued(queued *queuedDispatch) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, q := range self.queue {
		if q == queued {
			self.queue = append(self.queue[:i], self.queue[i+1:]...)
			break
		}
	}
}

func (self *ConnectionStateMachine) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queue)
}

// ClearPending rejects everything queued rather than leaving callers
// hanging. Used on hard disconnect.
func (self *ConnectionStateMachine) ClearPending(reason error) {
	self.stateLock.Lock()
	cleared := self.queue
	self.queue = []*queuedDispatch{}
	self.stateLock.Unlock()

	if reason == nil {
		reason = errors.New("connection closed")
	}
	for _, queued := range cleared {
		queued.resolved <- connectionResolution{err: reason}
	}
	if 0 < len(cleared) {
		glog.Infof("[conn]cleared %d pending operations: %v\n", len(cleared), reason)
	}
}
