package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// ErrPendingInvalidated resolves a pending operation whose outcome became
// indeterminate because a full resynchronization replaced the local graph.
var ErrPendingInvalidated = errors.New("pending operation invalidated by full resync")

type StateSyncSettings struct {
	// ack wait for ordinary operations
	AckTimeout time.Duration
	// extended ack wait for operations carrying bulk media payloads,
	// where acknowledgment is dominated by upload time
	LargePayloadAckTimeout time.Duration
	// encoded parameter size past which the extended timeout applies
	LargePayloadByteCount int
	// deferred retry of a delta that arrived while another was applying
	UpdateRetryDelay time.Duration
	// forced release of the updating guard after this many deferrals.
	// See applyStateUpdate; a hit here may mask a reentrancy bug.
	UpdateRetryCeiling int
}

func DefaultStateSyncSettings() *StateSyncSettings {
	return &StateSyncSettings{
		AckTimeout:             10 * time.Second,
		LargePayloadAckTimeout: 60 * time.Second,
		LargePayloadByteCount:  256 * 1024,
		UpdateRetryDelay:       50 * time.Millisecond,
		UpdateRetryCeiling:     20,
	}
}

// PendingOperation exists from dispatch until ack, reject, or timeout.
// Exactly one per in-flight operation identity.
type PendingOperation struct {
	Operation        *Operation
	RollbackSnapshot entitySnapshot
	LocalResult      *OperationResult
	SentAt           time.Time
}

type ackResolution struct {
	ack      *OperationAck
	rejected *OperationRejected
	err      error
}

// StateSyncManager is the server-authoritative reconciliation core:
// optimistic local apply, wire dispatch, bounded ack wait, verbatim
// rollback on rejection or timeout, and serialized application of
// server-pushed deltas and snapshots.
type StateSyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId Id
	store     EntityStore
	tracker   *OperationTracker
	transport MessageTransport

	settings *StateSyncSettings

	// writeLock serializes the logical writers over the shared graph: an
	// executing operation's snapshot + optimistic apply, a rollback
	// restore, a delta or full resync application, a remote operation
	// apply, and a transaction checkpoint or restore. Store methods
	// self-lock per call; multi-step mutation phases hold this for their
	// whole span. Always acquired before stateLock.
	writeLock *sync.Mutex

	stateLock          sync.Mutex
	pending            map[Id]*PendingOperation
	acks               map[Id]chan ackResolution
	serverStateVersion uint64
	// single-flight guard over delta application. Never two concurrent
	// applies; a delta arriving mid-apply is deferred.
	updating bool

	unsubs []func()
}

func NewStateSyncManagerWithDefaults(
	sessionId Id,
	store EntityStore,
	tracker *OperationTracker,
	transport MessageTransport,
) *StateSyncManager {
	return NewStateSyncManager(sessionId, store, tracker, transport, DefaultStateSyncSettings())
}

func NewStateSyncManager(
	sessionId Id,
	store EntityStore,
	tracker *OperationTracker,
	transport MessageTransport,
	settings *StateSyncSettings,
) *StateSyncManager {
	return &StateSyncManager{
		sessionId: sessionId,
		store:     store,
		tracker:   tracker,
		transport: transport,
		settings:  settings,
		writeLock: &sync.Mutex{},
		pending:   map[Id]*PendingOperation{},
		acks:      map[Id]chan ackResolution{},
	}
}

// WriteLock exposes the graph writer lock so the other writers over the
// same store share the single-writer guarantee.
func (self *StateSyncManager) WriteLock() *sync.Mutex {
	return self.writeLock
}

func (self *StateSyncManager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	self.ctx = runCtx
	self.cancel = cancel

	self.unsubs = append(self.unsubs,
		self.transport.On(MessageNameOperationAck, self.handleAck),
		self.transport.On(MessageNameOperationRejected, self.handleRejected),
		self.transport.On(MessageNameStateUpdate, self.handleStateUpdate),
		self.transport.On(MessageNameFullStateSync, self.handleFullStateSync),
	)
}

func (self *StateSyncManager) Stop() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
	if self.cancel != nil {
		self.cancel()
	}
}

func (self *StateSyncManager) ServerStateVersion() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverStateVersion
}

func (self *StateSyncManager) PendingOperationCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// HasPendingEditForEntity reports whether any in-flight local operation
// touches the entity.
func (self *StateSyncManager) HasPendingEditForEntity(entityId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hasPendingEdit(entityId)
}

// must be called inside the state lock
func (self *StateSyncManager) hasPendingEdit(entityId Id) bool {
	for _, pendingOperation := range self.pending {
		if slices.Contains(pendingOperation.Operation.Params.TargetIds(), entityId) {
			return true
		}
	}
	return false
}

// ExecuteOperation runs the full optimistic protocol for one local
// operation: undo-data guarantee, rollback snapshot, optimistic apply,
// dispatch, bounded ack wait, then commit or verbatim rollback.
func (self *StateSyncManager) ExecuteOperation(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.execute(ctx, operation, false, false)
}

// ExecuteUndo applies the operation's inverse locally and re-broadcasts
// it so peers apply the inverse too.
func (self *StateSyncManager) ExecuteUndo(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.execute(ctx, operation, true, false)
}

// ExecuteRedo re-applies a previously undone operation.
func (self *StateSyncManager) ExecuteRedo(ctx context.Context, operation *Operation) (*OperationResult, error) {
	return self.execute(ctx, operation, false, true)
}

func (self *StateSyncManager) execute(ctx context.Context, operation *Operation, isUndo bool, isRedo bool) (*OperationResult, error) {
	if err := operation.Validate(); err != nil {
		return nil, err
	}

	// undo data is guaranteed before anything is sent. An undoable kind
	// lacking it after preparation is rejected outright, preserving the
	// invariant that every committed local edit is reversible. The capture
	// reads entity state, so it runs under the writer lock too.
	self.writeLock.Lock()
	if operation.Kind().Undoable() {
		if !isUndo && !isRedo {
			if err := operation.PrepareUndoData(self.store); err != nil {
				self.writeLock.Unlock()
				return nil, err
			}
		}
		if operation.UndoData() == nil {
			self.writeLock.Unlock()
			return nil, &MissingUndoDataError{Kind: operation.Kind()}
		}
	}

	self.stateLock.Lock()
	if _, ok := self.pending[operation.Id]; ok {
		self.stateLock.Unlock()
		self.writeLock.Unlock()
		return nil, fmt.Errorf("operation %s already in flight", operation.Id)
	}

	// optimistic apply. The acting user sees the edit immediately;
	// the snapshot restores it verbatim if the server declines.
	snapshot := captureSnapshot(self.store)
	var localResult *OperationResult
	var err error
	if isUndo {
		err = self.undoOperation(operation)
		localResult = &OperationResult{
			OperationId: operation.Id,
			EntityIds:   operation.Params.TargetIds(),
		}
	} else {
		localResult, err = operation.Execute(self.store)
	}
	if err != nil {
		restoreSnapshot(self.store, snapshot)
		self.stateLock.Unlock()
		self.writeLock.Unlock()
		return nil, err
	}

	pendingOperation := &PendingOperation{
		Operation:        operation,
		RollbackSnapshot: snapshot,
		LocalResult:      localResult,
		SentAt:           time.Now(),
	}
	self.pending[operation.Id] = pendingOperation
	resolved := make(chan ackResolution, 1)
	self.acks[operation.Id] = resolved
	stateVersion := self.serverStateVersion
	self.stateLock.Unlock()
	self.writeLock.Unlock()

	// entities created locally are placeholders until the server
	// returns canonical identities. Redo of a create repaints the
	// placeholders, so they are tracked again.
	if createParams, ok := operation.Params.(*CreateParams); ok && !isUndo {
		self.tracker.Track(operation.Id, createParams.TargetIds())
	}

	dispatch, err := dispatchForOperation(operation, stateVersion)
	if err != nil {
		self.rollback(operation, snapshot)
		return nil, err
	}
	dispatch.IsUndo = isUndo
	dispatch.IsRedo = isRedo

	timeout := self.settings.AckTimeout
	if self.settings.LargePayloadByteCount < len(dispatch.Parameters) {
		timeout = self.settings.LargePayloadAckTimeout
	}

	if err := self.transport.Emit(MessageNameOperation, dispatch); err != nil {
		self.rollback(operation, snapshot)
		return nil, err
	}
	glog.V(2).Infof("[sync]-> %s %s v%d\n", operation.Kind(), operation.Id, stateVersion)

	var runDone <-chan struct{}
	if self.ctx != nil {
		runDone = self.ctx.Done()
	}

	select {
	case resolution := <-resolved:
		if resolution.err != nil {
			// resolved administratively (full resync). State was
			// replaced wholesale; no rollback.
			self.clearPending(operation.Id)
			return nil, resolution.err
		}
		if resolution.rejected != nil {
			self.rollback(operation, snapshot)
			glog.Infof("[sync]rejected %s: %s\n", operation.Id, resolution.rejected.Error)
			return nil, &ServerRejectionError{
				OperationId: operation.Id,
				Reason:      resolution.rejected.Error,
			}
		}
		self.clearPending(operation.Id)
		self.acknowledge(operation, resolution.ack)
		result := &OperationResult{
			OperationId:  operation.Id,
			EntityIds:    localResult.EntityIds,
			ServerFields: resolution.ack.ServerFields,
		}
		return result, nil
	case <-time.After(timeout):
		// implicit cancellation: a late ack for this identity is
		// ignored because the pending entry is gone
		self.rollback(operation, snapshot)
		glog.Infof("[sync]timeout %s after %s\n", operation.Id, timeout)
		return nil, &AckTimeoutError{OperationId: operation.Id}
	case <-ctx.Done():
		self.rollback(operation, snapshot)
		return nil, ctx.Err()
	case <-runDone:
		self.rollback(operation, snapshot)
		return nil, self.ctx.Err()
	}
}

// undoOperation inverts the operation locally. Created ids whose
// placeholders were already swapped are translated to the canonical
// entities they became, so undo of an acknowledged create removes the
// live entity rather than the long-gone placeholder id.
func (self *StateSyncManager) undoOperation(operation *Operation) error {
	if undoData := operation.UndoData(); undoData != nil {
		for _, createdId := range undoData.CreatedIds {
			if serverEntityId, ok := self.tracker.GetServerNodeForTemp(createdId); ok {
				self.store.Remove(serverEntityId)
			}
		}
	}
	return operation.Undo(self.store)
}

// acknowledge reconciles placeholders whose canonical entities are already
// known, either from the ack itself or from a delta that raced ahead.
func (self *StateSyncManager) acknowledge(operation *Operation, ack *OperationAck) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.tracker.Acknowledge(operation.Id, ack.ServerEntityIds)
	undoData := operation.UndoData()
	for _, serverEntityId := range ack.ServerEntityIds {
		// a later undo of this create must remove the canonical entity,
		// which outlives the tracker's retained correlation
		if undoData != nil && !slices.Contains(undoData.CreatedIds, serverEntityId) {
			undoData.CreatedIds = append(undoData.CreatedIds, serverEntityId)
		}
		if self.store.GetById(serverEntityId) == nil {
			// the canonical entity arrives in a later delta, which
			// performs the swap
			continue
		}
		if tempId, ok := self.tracker.GetTempNodeForServer(serverEntityId); ok {
			if entity := self.store.GetById(tempId); entity != nil && entity.Temp {
				self.store.Remove(tempId)
			}
			self.tracker.MarkReplaced(tempId)
		}
	}
}

func (self *StateSyncManager) clearPending(operationId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, operationId)
	delete(self.acks, operationId)
}

// rollback restores local state verbatim from the dispatch-time snapshot:
// all-or-nothing, never a mix of optimistic and rolled-back changes.
func (self *StateSyncManager) rollback(operation *Operation, snapshot entitySnapshot) {
	self.writeLock.Lock()
	self.stateLock.Lock()
	delete(self.pending, operation.Id)
	delete(self.acks, operation.Id)
	restoreSnapshot(self.store, snapshot)
	self.stateLock.Unlock()
	self.writeLock.Unlock()

	if _, ok := operation.Params.(*CreateParams); ok {
		self.tracker.Discard(operation.Id)
	}
}

func (self *StateSyncManager) resolve(operationId Id, resolution ackResolution) {
	self.stateLock.Lock()
	resolved, ok := self.acks[operationId]
	self.stateLock.Unlock()
	if !ok {
		// already rolled back or resolved
		glog.V(1).Infof("[sync]late resolution ignored %s\n", operationId)
		return
	}
	select {
	case resolved <- resolution:
	default:
	}
}

func (self *StateSyncManager) handleAck(payload []byte) {
	var ack OperationAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		glog.Infof("[sync]bad ack = %s\n", err)
		return
	}
	self.resolve(ack.OperationId, ackResolution{ack: &ack})
}

func (self *StateSyncManager) handleRejected(payload []byte) {
	var rejected OperationRejected
	if err := json.Unmarshal(payload, &rejected); err != nil {
		glog.Infof("[sync]bad rejection = %s\n", err)
		return
	}
	self.resolve(rejected.OperationId, ackResolution{rejected: &rejected})
}

func (self *StateSyncManager) handleStateUpdate(payload []byte) {
	var update StateUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		glog.Infof("[sync]bad state update = %s\n", err)
		return
	}
	self.ApplyStateUpdate(&update)
}

// ApplyStateUpdate applies a server-pushed delta. Applies are strictly
// serialized: a delta arriving while another is applying is deferred via
// a short retry. The retry ceiling forces the guard clear to avoid a
// permanent deadlock; hitting it is logged since it can mask a genuine
// reentrancy bug rather than a benign timing race.
func (self *StateSyncManager) ApplyStateUpdate(update *StateUpdate) {
	self.applyStateUpdate(update, 0)
}

func (self *StateSyncManager) applyStateUpdate(update *StateUpdate, retryCount int) {
	self.stateLock.Lock()
	if self.updating {
		if retryCount < self.settings.UpdateRetryCeiling {
			self.stateLock.Unlock()
			time.AfterFunc(self.settings.UpdateRetryDelay, func() {
				self.applyStateUpdate(update, retryCount+1)
			})
			return
		}
		glog.Infof("[sync]forced updating guard release after %d retries\n", retryCount)
		self.updating = false
	}
	self.updating = true
	haveVersion := self.serverStateVersion
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.updating = false
		self.stateLock.Unlock()
	}()

	if update.StateVersion <= haveVersion {
		// at-least-once delivery replay
		glog.V(1).Infof("[sync]replayed delta v%d ignored (have v%d)\n", update.StateVersion, haveVersion)
		return
	}
	if update.StateVersion != haveVersion+1 {
		// a gap means unknown history. Never apply a partial delta
		// against it; rebuild from the authoritative snapshot instead.
		gap := &versionGapError{haveVersion: haveVersion, gotVersion: update.StateVersion}
		glog.Infof("[sync]%s, requesting full sync\n", gap)
		self.requestFullSync(haveVersion)
		return
	}

	force := update.IsUndo || update.IsRedo

	// the whole mutation phase is one logical write over the graph. The
	// updating guard above only serializes deltas against other deltas;
	// the writer lock excludes concurrent operation applies and rollbacks.
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	for _, entityId := range update.Changes.Removed {
		self.store.Remove(entityId)
	}
	for _, entity := range update.Changes.Added {
		// swap placeholders for their canonical entities without a
		// visible delete-then-recreate gap
		if tempId, ok := self.tracker.GetTempNodeForServer(entity.Id); ok {
			if tempEntity := self.store.GetById(tempId); tempEntity != nil && tempEntity.Temp {
				self.store.Remove(tempId)
			}
			self.tracker.MarkReplaced(tempId)
		}
		self.store.Add(entity.Clone())
	}
	for _, entity := range update.Changes.Updated {
		// a pending local optimistic edit wins over someone else's
		// stale round trip, unless the update is the user's own
		// undo/redo echo
		if !force && self.HasPendingEditForEntity(entity.Id) {
			glog.V(1).Infof("[sync]skip update for %s with pending local edit\n", entity.Id)
			continue
		}
		self.store.Add(entity.Clone())
	}

	self.stateLock.Lock()
	self.serverStateVersion = update.StateVersion
	self.stateLock.Unlock()

	glog.V(2).Infof("[sync]<- delta v%d +%d ~%d -%d\n",
		update.StateVersion,
		len(update.Changes.Added),
		len(update.Changes.Updated),
		len(update.Changes.Removed))
}

func (self *StateSyncManager) requestFullSync(knownVersion uint64) {
	err := self.transport.Emit(MessageNameRequestFullSync, &RequestFullSync{
		SessionId:    self.sessionId,
		KnownVersion: knownVersion,
	})
	if err != nil {
		glog.Infof("[sync]full sync request error = %s\n", err)
	}
}

func (self *StateSyncManager) handleFullStateSync(payload []byte) {
	var fullSync FullStateSync
	if err := json.Unmarshal(payload, &fullSync); err != nil {
		glog.Infof("[sync]bad full sync = %s\n", err)
		return
	}
	self.ApplyFullStateSync(&fullSync)
}

// ApplyFullStateSync discards the entire local graph and rebuilds it
// node-by-node from the server's authoritative snapshot. All pending
// operations become indeterminate and are resolved with
// ErrPendingInvalidated.
func (self *StateSyncManager) ApplyFullStateSync(fullSync *FullStateSync) {
	self.writeLock.Lock()
	self.stateLock.Lock()
	invalidated := make([]chan ackResolution, 0, len(self.acks))
	for _, resolved := range self.acks {
		invalidated = append(invalidated, resolved)
	}
	self.pending = map[Id]*PendingOperation{}
	self.acks = map[Id]chan ackResolution{}

	self.store.Clear()
	for _, entity := range fullSync.State {
		self.store.Add(entity.Clone())
	}
	self.serverStateVersion = fullSync.StateVersion
	self.stateLock.Unlock()
	self.writeLock.Unlock()

	self.tracker.Reset()

	for _, resolved := range invalidated {
		select {
		case resolved <- ackResolution{err: ErrPendingInvalidated}:
		default:
		}
	}
	glog.Infof("[sync]full resync to v%d with %d nodes, %d pending invalidated\n",
		fullSync.StateVersion, len(fullSync.State), len(invalidated))
}
