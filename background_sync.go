package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/slices"
)

// RetryExceededError permanently fails a background item past the retry
// ceiling.
type RetryExceededError struct {
	OperationId Id
	Attempts    int
}

func (self *RetryExceededError) Error() string {
	return "background operation " + self.OperationId.String() + " permanently failed after retries"
}

type BackgroundSyncSettings struct {
	AckTimeout time.Duration

	InitialBatchSize int
	MinBatchSize     int
	MaxBatchSize     int
	BatchSizeStep    int

	// per-item retry ceiling before permanent failure
	RetryCeiling int
	// exponential backoff between failed batches, capped
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// adaptation over the recent outcome window
	StatsWindow     int
	GrowSuccessRate float64
	ShrinkFailRate  float64
	LatencyHigh     time.Duration

	// completed content hashes retained, so a retried operation that
	// already completed resolves immediately
	DedupSize int
}

func DefaultBackgroundSyncSettings() *BackgroundSyncSettings {
	return &BackgroundSyncSettings{
		AckTimeout:       15 * time.Second,
		InitialBatchSize: 8,
		MinBatchSize:     2,
		MaxBatchSize:     32,
		BatchSizeStep:    2,
		RetryCeiling:     5,
		InitialBackoff:   250 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		StatsWindow:      16,
		GrowSuccessRate:  0.9,
		ShrinkFailRate:   0.25,
		LatencyHigh:      2 * time.Second,
		DedupSize:        1024,
	}
}

type backgroundResolution struct {
	result *OperationResult
	err    error
}

type backgroundItem struct {
	operation   *Operation
	contentHash uint64
	retryCount  int
	resolved    chan backgroundResolution
}

type batchOutcome struct {
	success bool
	latency time.Duration
}

// BackgroundSyncManager is the secondary, lower-urgency delivery path for
// bulk operations: a priority queue processed in batches, same-kind
// operations grouped into one request, with batch size and backoff
// adapted to observed connection health.
type BackgroundSyncManager struct {
	sessionId Id
	transport MessageTransport

	settings *BackgroundSyncSettings

	cancel context.CancelFunc

	queueMonitor *Monitor

	stateLock           sync.Mutex
	queue               []*backgroundItem
	batchSize           int
	consecutiveFailures int
	outcomes            []batchOutcome
	acks                map[Id]chan *BatchAck
	completed           *lru.Cache[uint64, *OperationResult]

	unsub func()
}

func NewBackgroundSyncManagerWithDefaults(sessionId Id, transport MessageTransport) *BackgroundSyncManager {
	return NewBackgroundSyncManager(sessionId, transport, DefaultBackgroundSyncSettings())
}

func NewBackgroundSyncManager(sessionId Id, transport MessageTransport, settings *BackgroundSyncSettings) *BackgroundSyncManager {
	completed, err := lru.New[uint64, *OperationResult](settings.DedupSize)
	if err != nil {
		panic(err)
	}
	return &BackgroundSyncManager{
		sessionId:    sessionId,
		transport:    transport,
		settings:     settings,
		queueMonitor: NewMonitor(),
		queue:        []*backgroundItem{},
		batchSize:    settings.InitialBatchSize,
		outcomes:     []batchOutcome{},
		acks:         map[Id]chan *BatchAck{},
		completed:    completed,
	}
}

func (self *BackgroundSyncManager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	self.cancel = cancel
	self.unsub = self.transport.On(MessageNameBatchAck, self.handleBatchAck)
	go self.run(runCtx)
}

func (self *BackgroundSyncManager) Stop() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
	if self.cancel != nil {
		self.cancel()
	}
}

// content hash of kind + primary target identifiers
func contentHash(operation *Operation) uint64 {
	h := fnv.New64a()
	h.Write([]byte(operation.Kind()))
	for _, targetId := range operation.Params.TargetIds() {
		h.Write(targetId.Bytes())
	}
	return h.Sum64()
}

// Submit queues one operation on the background path. High-priority
// operations go to the front. An operation whose content already
// completed recently resolves immediately instead of re-executing.
func (self *BackgroundSyncManager) Submit(ctx context.Context, operation *Operation, highPriority bool) (*OperationResult, error) {
	if err := operation.Validate(); err != nil {
		return nil, err
	}

	hash := contentHash(operation)
	if result, ok := self.completed.Get(hash); ok {
		glog.V(1).Infof("[bg]dedup hit for %s\n", operation.Id)
		return result, nil
	}

	item := &backgroundItem{
		operation:   operation,
		contentHash: hash,
		resolved:    make(chan backgroundResolution, 1),
	}

	self.stateLock.Lock()
	if highPriority {
		self.queue = append([]*backgroundItem{item}, self.queue...)
	} else {
		self.queue = append(self.queue, item)
	}
	self.stateLock.Unlock()
	self.queueMonitor.NotifyAll()

	select {
	case resolution := <-item.resolved:
		return resolution.result, resolution.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *BackgroundSyncManager) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queue)
}

func (self *BackgroundSyncManager) BatchSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.batchSize
}

func (self *BackgroundSyncManager) run(ctx context.Context) {
	for {
		notify := self.queueMonitor.NotifyChannel()
		batch := self.takeBatch()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		self.processBatch(ctx, batch)

		self.stateLock.Lock()
		consecutiveFailures := self.consecutiveFailures
		self.stateLock.Unlock()
		if 0 < consecutiveFailures {
			backoff := self.settings.InitialBackoff << min(consecutiveFailures-1, 16)
			if self.settings.MaxBackoff < backoff {
				backoff = self.settings.MaxBackoff
			}
			glog.V(1).Infof("[bg]backoff %s after %d failures\n", backoff, consecutiveFailures)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

func (self *BackgroundSyncManager) takeBatch() []*backgroundItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := min(self.batchSize, len(self.queue))
	batch := self.queue[:n]
	self.queue = self.queue[n:]
	return batch
}

// within a batch, operations group by kind so that many individual
// requests collapse into one batched request per kind
func (self *BackgroundSyncManager) processBatch(ctx context.Context, batch []*backgroundItem) {
	groups := map[OperationKind][]*backgroundItem{}
	kinds := []OperationKind{}
	for _, item := range batch {
		kind := item.operation.Kind()
		if _, ok := groups[kind]; !ok {
			kinds = append(kinds, kind)
		}
		groups[kind] = append(groups[kind], item)
	}

	for _, kind := range kinds {
		self.processGroup(ctx, kind, groups[kind])
	}
}

func (self *BackgroundSyncManager) processGroup(ctx context.Context, kind OperationKind, items []*backgroundItem) {
	batchId := NewId()
	dispatches := make([]*OperationDispatch, 0, len(items))
	for _, item := range items {
		dispatch, err := dispatchForOperation(item.operation, 0)
		if err != nil {
			item.resolved <- backgroundResolution{err: err}
			continue
		}
		dispatches = append(dispatches, dispatch)
	}
	if len(dispatches) == 0 {
		return
	}

	acked := make(chan *BatchAck, 1)
	self.stateLock.Lock()
	self.acks[batchId] = acked
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.acks, batchId)
		self.stateLock.Unlock()
	}()

	sentAt := time.Now()
	err := self.transport.Emit(MessageNameBatchOperation, &BatchOperationDispatch{
		BatchId:    batchId,
		SessionId:  self.sessionId,
		Type:       kind,
		Operations: dispatches,
	})
	if err != nil {
		self.recordOutcome(false, 0)
		self.requeue(items)
		return
	}
	glog.V(2).Infof("[bg]-> batch %s %s x%d\n", batchId, kind, len(dispatches))

	select {
	case ack := <-acked:
		latency := time.Now().Sub(sentAt)
		if ack.Error != "" {
			glog.Infof("[bg]batch %s rejected: %s\n", batchId, ack.Error)
			self.recordOutcome(false, latency)
			self.requeue(items)
			return
		}
		self.recordOutcome(true, latency)
		failed := []*backgroundItem{}
		for _, item := range items {
			if slices.Contains(ack.FailedOperationIds, item.operation.Id) {
				failed = append(failed, item)
				continue
			}
			result := &OperationResult{
				OperationId: item.operation.Id,
				EntityIds:   item.operation.Params.TargetIds(),
			}
			self.completed.Add(item.contentHash, result)
			item.resolved <- backgroundResolution{result: result}
		}
		// failed items requeue individually with incremented counters
		if 0 < len(failed) {
			self.requeue(failed)
		}
	case <-time.After(self.settings.AckTimeout):
		glog.Infof("[bg]batch %s timeout\n", batchId)
		self.recordOutcome(false, self.settings.AckTimeout)
		self.requeue(items)
	case <-ctx.Done():
		self.requeue(items)
	}
}

func (self *BackgroundSyncManager) requeue(items []*backgroundItem) {
	retry := []*backgroundItem{}
	for _, item := range items {
		item.retryCount += 1
		if self.settings.RetryCeiling < item.retryCount {
			item.resolved <- backgroundResolution{err: &RetryExceededError{
				OperationId: item.operation.Id,
				Attempts:    item.retryCount,
			}}
			continue
		}
		retry = append(retry, item)
	}
	if len(retry) == 0 {
		return
	}
	self.stateLock.Lock()
	self.queue = append(retry, self.queue...)
	self.stateLock.Unlock()
	self.queueMonitor.NotifyAll()
}

// batch size grows on a high recent success rate and shrinks on a high
// failure rate or high measured latency, bounded to min/max
func (self *BackgroundSyncManager) recordOutcome(success bool, latency time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if success {
		self.consecutiveFailures = 0
	} else {
		self.consecutiveFailures += 1
	}

	self.outcomes = append(self.outcomes, batchOutcome{success: success, latency: latency})
	if self.settings.StatsWindow < len(self.outcomes) {
		self.outcomes = self.outcomes[1:]
	}
	if len(self.outcomes) < 4 {
		return
	}

	successes := 0
	var netLatency time.Duration
	for _, outcome := range self.outcomes {
		if outcome.success {
			successes += 1
		}
		netLatency += outcome.latency
	}
	successRate := float64(successes) / float64(len(self.outcomes))
	meanLatency := netLatency / time.Duration(len(self.outcomes))

	if successRate <= 1.0-self.settings.ShrinkFailRate || self.settings.LatencyHigh < meanLatency {
		self.batchSize = max(self.batchSize-self.settings.BatchSizeStep, self.settings.MinBatchSize)
	} else if self.settings.GrowSuccessRate <= successRate && meanLatency <= self.settings.LatencyHigh {
		self.batchSize = min(self.batchSize+self.settings.BatchSizeStep, self.settings.MaxBatchSize)
	}
}

func (self *BackgroundSyncManager) handleBatchAck(payload []byte) {
	var ack BatchAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		glog.Infof("[bg]bad batch ack = %s\n", err)
		return
	}
	self.stateLock.Lock()
	acked, ok := self.acks[ack.BatchId]
	self.stateLock.Unlock()
	if !ok {
		glog.V(1).Infof("[bg]late batch ack ignored %s\n", ack.BatchId)
		return
	}
	select {
	case acked <- &ack:
	default:
	}
}
