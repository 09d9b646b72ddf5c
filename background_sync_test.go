package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastBackgroundSettings() *BackgroundSyncSettings {
	settings := DefaultBackgroundSyncSettings()
	settings.AckTimeout = 500 * time.Millisecond
	settings.InitialBackoff = time.Millisecond
	settings.MaxBackoff = 5 * time.Millisecond
	return settings
}

func TestBackgroundBatchGroupsByKind(t *testing.T) {
	transport := newTestTransport()
	server := newTestServer(transport)
	defer server.close()

	sessionId := NewId()
	manager := NewBackgroundSyncManager(sessionId, transport, fastBackgroundSettings())

	moveA := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{1, 1}})
	moveB := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{2, 2}})
	rotate := NewLocalOperation(sessionId, &RotateParams{EntityId: NewId(), Rotation: 30})

	// queue everything before the run loop starts so one batch sees all
	// three
	results := make(chan error, 3)
	for _, operation := range []*Operation{moveA, moveB, rotate} {
		op := operation
		go func() {
			_, err := manager.Submit(context.Background(), op, false)
			results <- err
		}()
	}
	for {
		if manager.QueueSize() == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	manager.Start(context.Background())
	defer manager.Stop()

	for i := 0; i < 3; i += 1 {
		assert.Equal(t, nil, <-results)
	}

	// one batched request per kind
	assert.Equal(t, 2, server.batchCount())
	byKind := map[OperationKind]*BatchOperationDispatch{}
	for i := 0; i < server.batchCount(); i += 1 {
		batch := server.batchAt(i)
		byKind[batch.Type] = batch
	}
	assert.Equal(t, 2, len(byKind[OperationKindMove].Operations))
	assert.Equal(t, moveA.Id, byKind[OperationKindMove].Operations[0].OperationId)
	assert.Equal(t, 1, len(byKind[OperationKindRotate].Operations))
}

func TestBackgroundCompletedContentResolvesImmediately(t *testing.T) {
	transport := newTestTransport()
	server := newTestServer(transport)
	defer server.close()

	sessionId := NewId()
	manager := NewBackgroundSyncManager(sessionId, transport, fastBackgroundSettings())
	manager.Start(context.Background())
	defer manager.Stop()

	entityId := NewId()
	first := NewLocalOperation(sessionId, &MoveParams{EntityId: entityId, Position: [2]float64{1, 1}})
	firstResult, err := manager.Submit(context.Background(), first, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, server.batchCount())

	// a retried submission with the same content never re-executes
	retried := NewLocalOperation(sessionId, &MoveParams{EntityId: entityId, Position: [2]float64{1, 1}})
	retriedResult, err := manager.Submit(context.Background(), retried, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, firstResult.OperationId, retriedResult.OperationId)
	assert.Equal(t, 1, server.batchCount())
}

func TestBackgroundRetryCeiling(t *testing.T) {
	transport := newTestTransport()
	server := newTestServer(transport)
	defer server.close()

	server.setRespondBatch(func(batch *BatchOperationDispatch) any {
		return &BatchAck{BatchId: batch.BatchId, Error: "unavailable"}
	})

	sessionId := NewId()
	settings := fastBackgroundSettings()
	settings.RetryCeiling = 1
	manager := NewBackgroundSyncManager(sessionId, transport, settings)
	manager.Start(context.Background())
	defer manager.Stop()

	operation := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{1, 1}})
	_, err := manager.Submit(context.Background(), operation, false)
	retryError, ok := err.(*RetryExceededError)
	assert.Equal(t, true, ok)
	assert.Equal(t, operation.Id, retryError.OperationId)
	assert.Equal(t, 2, server.batchCount())
}

func TestBackgroundPartialFailureRequeuesIndividually(t *testing.T) {
	transport := newTestTransport()
	server := newTestServer(transport)
	defer server.close()

	sessionId := NewId()
	failOnce := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{1, 1}})
	clean := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{2, 2}})

	var respondLock sync.Mutex
	failed := false
	server.setRespondBatch(func(batch *BatchOperationDispatch) any {
		respondLock.Lock()
		defer respondLock.Unlock()
		ack := &BatchAck{BatchId: batch.BatchId}
		if !failed {
			failed = true
			ack.FailedOperationIds = []Id{failOnce.Id}
		}
		return ack
	})

	manager := NewBackgroundSyncManager(sessionId, transport, fastBackgroundSettings())

	results := make(chan error, 2)
	for _, operation := range []*Operation{failOnce, clean} {
		op := operation
		go func() {
			_, err := manager.Submit(context.Background(), op, false)
			results <- err
		}()
	}
	for {
		if manager.QueueSize() == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	manager.Start(context.Background())
	defer manager.Stop()

	assert.Equal(t, nil, <-results)
	assert.Equal(t, nil, <-results)
	// the declined operation went out again on its own
	assert.Equal(t, 2, server.batchCount())
	assert.Equal(t, 1, len(server.batchAt(1).Operations))
	assert.Equal(t, failOnce.Id, server.batchAt(1).Operations[0].OperationId)
}

func TestBackgroundHighPriorityGoesFirst(t *testing.T) {
	transport := newTestTransport()
	server := newTestServer(transport)
	defer server.close()

	sessionId := NewId()
	settings := fastBackgroundSettings()
	settings.InitialBatchSize = 1
	settings.MinBatchSize = 1
	manager := NewBackgroundSyncManager(sessionId, transport, settings)

	normal := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{1, 1}})
	urgent := NewLocalOperation(sessionId, &MoveParams{EntityId: NewId(), Position: [2]float64{2, 2}})

	results := make(chan error, 2)
	go func() {
		_, err := manager.Submit(context.Background(), normal, false)
		results <- err
	}()
	for {
		if manager.QueueSize() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	go func() {
		_, err := manager.Submit(context.Background(), urgent, true)
		results <- err
	}()
	for {
		if manager.QueueSize() == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	manager.Start(context.Background())
	defer manager.Stop()

	assert.Equal(t, nil, <-results)
	assert.Equal(t, nil, <-results)
	assert.Equal(t, urgent.Id, server.batchAt(0).Operations[0].OperationId)
	assert.Equal(t, normal.Id, server.batchAt(1).Operations[0].OperationId)
}

func TestBackgroundBatchSizeAdaptation(t *testing.T) {
	transport := newTestTransport()
	sessionId := NewId()
	settings := DefaultBackgroundSyncSettings()
	settings.StatsWindow = 4
	settings.InitialBatchSize = 4
	settings.MinBatchSize = 2
	settings.MaxBatchSize = 8
	settings.BatchSizeStep = 2
	manager := NewBackgroundSyncManager(sessionId, transport, settings)

	// a run of fast successes grows the batch up to the cap
	for i := 0; i < 6; i += 1 {
		manager.recordOutcome(true, 10*time.Millisecond)
	}
	assert.Equal(t, 8, manager.BatchSize())

	// failures shrink it back down to the floor
	for i := 0; i < 6; i += 1 {
		manager.recordOutcome(false, 10*time.Millisecond)
	}
	assert.Equal(t, 2, manager.BatchSize())

	// high latency shrinks even when everything succeeds
	manager.stateLock.Lock()
	manager.batchSize = 6
	manager.outcomes = nil
	manager.stateLock.Unlock()
	for i := 0; i < 6; i += 1 {
		manager.recordOutcome(true, 5*time.Second)
	}
	assert.Equal(t, 2, manager.BatchSize())
}
