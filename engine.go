package collab

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/golang/glog"
)

type EngineSettings struct {
	PipelineSettings       *OperationPipelineSettings
	StateSyncSettings      *StateSyncSettings
	TrackerSettings        *OperationTrackerSettings
	TransactionSettings    *TransactionManagerSettings
	BackgroundSyncSettings *BackgroundSyncSettings
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		PipelineSettings:       DefaultOperationPipelineSettings(),
		StateSyncSettings:      DefaultStateSyncSettings(),
		TrackerSettings:        DefaultOperationTrackerSettings(),
		TransactionSettings:    DefaultTransactionManagerSettings(),
		BackgroundSyncSettings: DefaultBackgroundSyncSettings(),
	}
}

// ConnectionAwareTransport is implemented by transports that report
// connectivity changes (the websocket transport does).
type ConnectionAwareTransport interface {
	MessageTransport
	AddConnectionChangeCallback(callback func(connected bool)) func()
}

// gatedExecutor routes every round trip through the connection state
// machine so that operations submitted while offline queue in order.
type gatedExecutor struct {
	connection  *ConnectionStateMachine
	syncManager *StateSyncManager
}

func (self *gatedExecutor) ExecuteOperation(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.connection.SubmitWith(ctx, operation, self.syncManager.ExecuteOperation)
}

func (self *gatedExecutor) ExecuteUndo(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.connection.SubmitWith(ctx, operation, self.syncManager.ExecuteUndo)
}

func (self *gatedExecutor) ExecuteRedo(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.connection.SubmitWith(ctx, operation, self.syncManager.ExecuteRedo)
}

// Engine composes the sync components over one store and one transport.
// All collaborators are explicitly constructed and injected; Start and
// Stop bound every background goroutine.
type Engine struct {
	sessionId Id

	store     EntityStore
	transport MessageTransport

	tracker      *OperationTracker
	syncManager  *StateSyncManager
	connection   *ConnectionStateMachine
	pipeline     *OperationPipeline
	transactions *TransactionManager
	background   *BackgroundSyncManager

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
}

func NewEngineWithDefaults(sessionId Id, store EntityStore, transport MessageTransport) *Engine {
	return NewEngine(sessionId, store, transport, DefaultEngineSettings())
}

func NewEngine(sessionId Id, store EntityStore, transport MessageTransport, settings *EngineSettings) *Engine {
	tracker := NewOperationTracker(store, settings.TrackerSettings)
	syncManager := NewStateSyncManager(sessionId, store, tracker, transport, settings.StateSyncSettings)

	engine := &Engine{
		sessionId:   sessionId,
		store:       store,
		transport:   transport,
		tracker:     tracker,
		syncManager: syncManager,
	}

	executor := &gatedExecutor{
		syncManager: syncManager,
	}
	engine.connection = NewConnectionStateMachine(executor.ExecuteOperation)
	executor.connection = engine.connection

	engine.pipeline = NewOperationPipeline(executor, store, settings.PipelineSettings)
	engine.transactions = NewTransactionManager(store, executor, settings.TransactionSettings)
	engine.background = NewBackgroundSyncManager(sessionId, transport, settings.BackgroundSyncSettings)

	// every writer over the one store shares the one writer lock
	engine.pipeline.writeLock = syncManager.WriteLock()
	engine.transactions.writeLock = syncManager.WriteLock()
	return engine
}

func (self *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	self.ctx = runCtx
	self.cancel = cancel

	self.tracker.Start(runCtx)
	self.syncManager.Start(runCtx)
	self.pipeline.Start(runCtx)
	self.background.Start(runCtx)

	self.unsubs = append(self.unsubs,
		self.transport.On(MessageNameRemoteOperation, self.handleRemoteOperation),
	)
	if connectionAware, ok := self.transport.(ConnectionAwareTransport); ok {
		self.unsubs = append(self.unsubs,
			connectionAware.AddConnectionChangeCallback(self.handleConnectionChange),
		)
	}
	if self.transport.IsConnected() {
		self.handleConnectionChange(true)
	}
}

func (self *Engine) Stop() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil

	self.connection.ClearPending(errors.New("engine stopped"))
	self.background.Stop()
	self.pipeline.Stop()
	self.syncManager.Stop()
	self.tracker.Stop()
	if self.cancel != nil {
		self.cancel()
	}
}

func (self *Engine) Store() EntityReader {
	return self.store
}

func (self *Engine) Connection() *ConnectionStateMachine {
	return self.connection
}

func (self *Engine) Pipeline() *OperationPipeline {
	return self.pipeline
}

func (self *Engine) Tracker() *OperationTracker {
	return self.tracker
}

func (self *Engine) SyncManager() *StateSyncManager {
	return self.syncManager
}

func (self *Engine) handleConnectionChange(connected bool) {
	if connected {
		self.connection.TransitionTo(ConnectionStateConnecting)
		if err := self.connection.TransitionTo(ConnectionStateConnected); err != nil {
			glog.Infof("[engine]connect transition error = %s\n", err)
		}
	} else {
		self.connection.TransitionTo(ConnectionStateDisconnecting)
		if err := self.connection.TransitionTo(ConnectionStateDisconnected); err != nil {
			glog.Infof("[engine]disconnect transition error = %s\n", err)
		}
	}
}

// operations other sessions committed arrive here and replay through the
// pipeline, which deduplicates at-least-once redelivery
func (self *Engine) handleRemoteOperation(payload []byte) {
	var dispatch OperationDispatch
	if err := json.Unmarshal(payload, &dispatch); err != nil {
		glog.Infof("[engine]bad remote operation = %s\n", err)
		return
	}
	if dispatch.SessionId == self.sessionId {
		// own echo
		return
	}
	operation, err := operationFromDispatch(&dispatch)
	if err != nil {
		glog.Infof("[engine]undecodable remote operation = %s\n", err)
		return
	}
	go func() {
		if _, err := self.pipeline.Execute(self.ctx, operation); err != nil {
			glog.Infof("[engine]remote operation %s apply error = %s\n", operation.Id, err)
		}
	}()
}

// Execute builds a local operation from the parameters and submits it
// through the pipeline.
func (self *Engine) Execute(ctx context.Context, params OperationParams) (*OperationResult, error) {
	operation := NewLocalOperation(self.sessionId, params)
	return self.pipeline.Execute(ctx, operation)
}

func (self *Engine) Undo(ctx context.Context) (*OperationResult, error) {
	return self.pipeline.Undo(ctx)
}

func (self *Engine) Redo(ctx context.Context) (*OperationResult, error) {
	return self.pipeline.Redo(ctx)
}

// ExecuteTransaction wraps the parameter list in an all-or-nothing
// envelope.
func (self *Engine) ExecuteTransaction(ctx context.Context, paramsList []OperationParams) (*Transaction, error) {
	operations := make([]*Operation, 0, len(paramsList))
	for _, params := range paramsList {
		operations = append(operations, NewLocalOperation(self.sessionId, params))
	}
	return self.transactions.ExecuteTransaction(ctx, operations)
}

// SubmitBackground queues a bulk operation on the background path.
func (self *Engine) SubmitBackground(ctx context.Context, params OperationParams, highPriority bool) (*OperationResult, error) {
	operation := NewLocalOperation(self.sessionId, params)
	return self.background.Submit(ctx, operation, highPriority)
}
