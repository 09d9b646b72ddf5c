package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CorrelationStatus string

const (
	CorrelationStatusAwaitingServer  CorrelationStatus = "awaiting_server"
	CorrelationStatusServerConfirmed CorrelationStatus = "server_confirmed"
	CorrelationStatusReplaced        CorrelationStatus = "replaced"
	CorrelationStatusTimeout         CorrelationStatus = "timeout"
)

// EntityCorrelation maps a client-assigned placeholder identity to the
// operation that created it and, once acknowledged, the server identity
// that replaces it.
type EntityCorrelation struct {
	TempId         Id
	OperationId    Id
	Status         CorrelationStatus
	ServerEntityId Id
	CreatedAt      time.Time
	ConfirmedAt    time.Time
}

type trackedOperation struct {
	operationId Id
	// ordered: the i-th temp id pairs with the i-th server id on ack
	tempIds      []Id
	serverIds    []Id
	acknowledged bool
	createdAt    time.Time
	completedAt  time.Time
}

// complete only when every placeholder the operation created has been
// marked replaced
func (self *trackedOperation) complete(correlations map[Id]*EntityCorrelation) bool {
	for _, tempId := range self.tempIds {
		correlation, ok := correlations[tempId]
		if !ok {
			continue
		}
		if correlation.Status != CorrelationStatusReplaced {
			return false
		}
	}
	return true
}

type OperationTrackerSettings struct {
	SweepInterval time.Duration
	// reclaim bound for placeholders whose operation was acknowledged
	// but never finished replacement
	AcknowledgedTimeout time.Duration
	// shorter reclaim bound for operations the tracker never heard resolve
	UnresolvedTimeout time.Duration
	// completed operations are retained briefly for late lookups
	CompletedRetainTimeout time.Duration
	// past this node count both timeouts scale up, since server round
	// trips on large graphs are naturally slower
	LargeGraphNodeCount int
	LargeGraphScale     float64
}

func DefaultOperationTrackerSettings() *OperationTrackerSettings {
	return &OperationTrackerSettings{
		SweepInterval:          5 * time.Second,
		AcknowledgedTimeout:    60 * time.Second,
		UnresolvedTimeout:      20 * time.Second,
		CompletedRetainTimeout: 30 * time.Second,
		LargeGraphNodeCount:    500,
		LargeGraphScale:        2.0,
	}
}

// OperationTracker bridges the gap between a placeholder entity the user
// is already manipulating and the authoritative entity the server creates
// moments later, so the swap never looks like delete-then-recreate.
type OperationTracker struct {
	store EntityStore

	settings *OperationTrackerSettings

	cancel context.CancelFunc

	stateLock    sync.Mutex
	correlations map[Id]*EntityCorrelation
	// server id -> temp id reverse index
	serverToTemp map[Id]Id
	operations   map[Id]*trackedOperation
}

func NewOperationTrackerWithDefaults(store EntityStore) *OperationTracker {
	return NewOperationTracker(store, DefaultOperationTrackerSettings())
}

func NewOperationTracker(store EntityStore, settings *OperationTrackerSettings) *OperationTracker {
	return &OperationTracker{
		store:        store,
		settings:     settings,
		correlations: map[Id]*EntityCorrelation{},
		serverToTemp: map[Id]Id{},
		operations:   map[Id]*trackedOperation{},
	}
}

func (self *OperationTracker) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	self.cancel = cancel
	go self.run(sweepCtx)
}

func (self *OperationTracker) Stop() {
	if self.cancel != nil {
		self.cancel()
	}
}

func (self *OperationTracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.sweep(time.Now())
		}
	}
}

// Track registers the placeholder identities an operation created,
// in creation order.
func (self *OperationTracker) Track(operationId Id, tempIds []Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	tracked := &trackedOperation{
		operationId: operationId,
		tempIds:     append([]Id{}, tempIds...),
		createdAt:   now,
	}
	self.operations[operationId] = tracked
	for _, tempId := range tempIds {
		self.correlations[tempId] = &EntityCorrelation{
			TempId:      tempId,
			OperationId: operationId,
			Status:      CorrelationStatusAwaitingServer,
			CreatedAt:   now,
		}
	}
	glog.V(2).Infof("[track]%s +%d\n", operationId, len(tempIds))
}

// Acknowledge pairs the ordered placeholder ids with the server ids the
// acknowledgment carried.
func (self *OperationTracker) Acknowledge(operationId Id, serverIds []Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tracked, ok := self.operations[operationId]
	if !ok {
		return
	}
	now := time.Now()
	tracked.acknowledged = true
	tracked.serverIds = append([]Id{}, serverIds...)
	for i, tempId := range tracked.tempIds {
		correlation, ok := self.correlations[tempId]
		if !ok {
			continue
		}
		if i < len(serverIds) {
			correlation.ServerEntityId = serverIds[i]
			self.serverToTemp[serverIds[i]] = tempId
		}
		if correlation.Status == CorrelationStatusAwaitingServer {
			correlation.Status = CorrelationStatusServerConfirmed
			correlation.ConfirmedAt = now
		}
	}
	glog.V(2).Infof("[track]ack %s =%d\n", operationId, len(serverIds))
}

func (self *OperationTracker) IsTracked(tempId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	correlation, ok := self.correlations[tempId]
	return ok && correlation.Status != CorrelationStatusReplaced && correlation.Status != CorrelationStatusTimeout
}

func (self *OperationTracker) GetServerNodeForTemp(tempId Id) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	correlation, ok := self.correlations[tempId]
	if !ok || correlation.ServerEntityId.IsZero() {
		return Id{}, false
	}
	return correlation.ServerEntityId, true
}

func (self *OperationTracker) GetTempNodeForServer(serverEntityId Id) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tempId, ok := self.serverToTemp[serverEntityId]
	return tempId, ok
}

// MarkReplaced records that the placeholder has been swapped for the
// authoritative entity in the live entity set.
func (self *OperationTracker) MarkReplaced(tempId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	correlation, ok := self.correlations[tempId]
	if !ok {
		return
	}
	correlation.Status = CorrelationStatusReplaced

	tracked, ok := self.operations[correlation.OperationId]
	if ok && tracked.completedAt.IsZero() && tracked.complete(self.correlations) {
		tracked.completedAt = time.Now()
		glog.V(2).Infof("[track]complete %s\n", tracked.operationId)
	}
}

// Unresolved lists placeholder ids not yet replaced or reclaimed.
func (self *OperationTracker) Unresolved() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	unresolved := []Id{}
	for tempId, correlation := range self.correlations {
		switch correlation.Status {
		case CorrelationStatusAwaitingServer, CorrelationStatusServerConfirmed:
			unresolved = append(unresolved, tempId)
		}
	}
	return unresolved
}

// Discard drops an operation's correlations without reclaiming entities.
// Called when the operation was rolled back and its placeholders were
// already removed by the snapshot restore.
func (self *OperationTracker) Discard(operationId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if tracked, ok := self.operations[operationId]; ok {
		self.purge(operationId, tracked)
	}
}

// Reset drops everything. Used on full resynchronization, which replaces
// the entire local graph.
func (self *OperationTracker) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.correlations = map[Id]*EntityCorrelation{}
	self.serverToTemp = map[Id]Id{}
	self.operations = map[Id]*trackedOperation{}
}

func (self *OperationTracker) reclaimTimeout(tracked *trackedOperation) time.Duration {
	timeout := self.settings.UnresolvedTimeout
	if tracked.acknowledged {
		timeout = self.settings.AcknowledgedTimeout
	}
	if self.settings.LargeGraphNodeCount < len(self.store.Nodes()) {
		timeout = time.Duration(float64(timeout) * self.settings.LargeGraphScale)
	}
	return timeout
}

// sweep reclaims orphaned placeholders and purges retained completed
// operations past their window.
func (self *OperationTracker) sweep(now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for operationId, tracked := range self.operations {
		if !tracked.completedAt.IsZero() {
			if self.settings.CompletedRetainTimeout < now.Sub(tracked.completedAt) {
				self.purge(operationId, tracked)
			}
			continue
		}
		if self.reclaimTimeout(tracked) < now.Sub(tracked.createdAt) {
			glog.Infof("[track]reclaim orphaned operation %s\n", operationId)
			for _, tempId := range tracked.tempIds {
				correlation, ok := self.correlations[tempId]
				if !ok || correlation.Status == CorrelationStatusReplaced {
					continue
				}
				correlation.Status = CorrelationStatusTimeout
				if entity := self.store.GetById(tempId); entity != nil && entity.Temp {
					self.store.Remove(tempId)
				}
			}
			self.purge(operationId, tracked)
		}
	}
}

// must be called inside the state lock
func (self *OperationTracker) purge(operationId Id, tracked *trackedOperation) {
	for _, tempId := range tracked.tempIds {
		if correlation, ok := self.correlations[tempId]; ok {
			if !correlation.ServerEntityId.IsZero() {
				delete(self.serverToTemp, correlation.ServerEntityId)
			}
			delete(self.correlations, tempId)
		}
	}
	delete(self.operations, operationId)
}
