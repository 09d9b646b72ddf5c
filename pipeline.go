package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNothingToUndo = errors.New("nothing to undo")
var ErrNothingToRedo = errors.New("nothing to redo")

// OperationExecutor performs the server round trip for one operation.
// StateSyncManager is the canonical implementation; the connection state
// machine wraps it to gate on transport lifecycle.
type OperationExecutor interface {
	ExecuteOperation(ctx context.Context, operation *Operation) (*OperationResult, error)
	ExecuteUndo(ctx context.Context, operation *Operation) (*OperationResult, error)
	ExecuteRedo(ctx context.Context, operation *Operation) (*OperationResult, error)
}

type OperationPipelineSettings struct {
	// rapid-fire local operations on the same target are held and
	// coalesced inside this window. The timer restarts on arrival only.
	MergeWindow time.Duration
	// linear undo history cap. Overflow evicts the oldest entry.
	HistoryLimit int
	// bounded recent-identity set for remote replay dedup
	RemoteDedupSize int
	// submission queue depth
	QueueSize int
}

func DefaultOperationPipelineSettings() *OperationPipelineSettings {
	return &OperationPipelineSettings{
		MergeWindow:     100 * time.Millisecond,
		HistoryLimit:    100,
		RemoteDedupSize: 512,
		QueueSize:       64,
	}
}

// HistoryEntry is a previously executed local operation retained for
// undo/redo.
type HistoryEntry struct {
	Operation  *Operation
	ExecutedAt time.Time
}

type pipelineResolution struct {
	result *OperationResult
	err    error
}

type pipelineTask struct {
	ctx     context.Context
	run     func(ctx context.Context) (*OperationResult, error)
	waiters []chan pipelineResolution
}

// a held operation may absorb later submissions, so its eventual task runs
// under the pipeline's own context rather than any single waiter's
type heldOperation struct {
	operation *Operation
	timer     *time.Timer
	waiters   []chan pipelineResolution
}

func mergeEligible(operation *Operation) bool {
	if operation.Origin != OperationOriginLocal {
		return false
	}
	switch operation.Kind() {
	case OperationKindMove, OperationKindResize, OperationKindRotate, OperationKindUpdateProperties:
	default:
		return false
	}
	return len(operation.Params.TargetIds()) == 1
}

// OperationPipeline is the single entry point for all operations:
// validation, merge absorption, strictly serial execution, remote replay
// dedup, and the linear undo/redo history.
type OperationPipeline struct {
	executor OperationExecutor
	store    EntityStore

	settings *OperationPipelineSettings

	// shared with the other writers over the same store; remote operations
	// mutate the graph directly rather than through a server round trip
	writeLock *sync.Mutex

	cancel context.CancelFunc
	tasks  chan *pipelineTask

	stateLock sync.Mutex
	runCtx    context.Context
	held      *heldOperation
	history   []*HistoryEntry
	// history[0:cursor] is the undoable past, history[cursor:] the
	// redoable future. A new local operation truncates the future.
	cursor int
	dedup  *lru.Cache[Id, struct{}]
}

func NewOperationPipelineWithDefaults(executor OperationExecutor, store EntityStore) *OperationPipeline {
	return NewOperationPipeline(executor, store, DefaultOperationPipelineSettings())
}

func NewOperationPipeline(executor OperationExecutor, store EntityStore, settings *OperationPipelineSettings) *OperationPipeline {
	dedup, err := lru.New[Id, struct{}](settings.RemoteDedupSize)
	if err != nil {
		panic(err)
	}
	return &OperationPipeline{
		executor:  executor,
		store:     store,
		settings:  settings,
		writeLock: &sync.Mutex{},
		tasks:     make(chan *pipelineTask, settings.QueueSize),
		history:   []*HistoryEntry{},
		dedup:     dedup,
	}
}

func (self *OperationPipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	self.cancel = cancel
	self.stateLock.Lock()
	self.runCtx = runCtx
	self.stateLock.Unlock()
	go self.run(runCtx)
}

func (self *OperationPipeline) Stop() {
	if self.cancel != nil {
		self.cancel()
	}
}

// execution is strictly serial: the next task is dequeued only after the
// previous one settles
func (self *OperationPipeline) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-self.tasks:
			result, err := task.run(task.ctx)
			for _, waiter := range task.waiters {
				waiter <- pipelineResolution{result: result, err: err}
			}
		}
	}
}

func (self *OperationPipeline) enqueue(task *pipelineTask) {
	self.tasks <- task
}

func (self *OperationPipeline) await(ctx context.Context, resolved chan pipelineResolution) (*OperationResult, error) {
	select {
	case resolution := <-resolved:
		return resolution.result, resolution.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute submits one operation. Local merge-eligible operations are held
// in the merge window; remote operations are deduplicated against the
// bounded recent set to tolerate at-least-once delivery.
func (self *OperationPipeline) Execute(ctx context.Context, operation *Operation) (*OperationResult, error) {
	if err := operation.Validate(); err != nil {
		return nil, err
	}

	if operation.Origin == OperationOriginRemote {
		if _, seen := self.dedup.Get(operation.Id); seen {
			glog.V(1).Infof("[pipe]replayed remote operation %s ignored\n", operation.Id)
			return nil, nil
		}
		self.dedup.Add(operation.Id, struct{}{})

		resolved := make(chan pipelineResolution, 1)
		self.enqueue(&pipelineTask{
			ctx:     ctx,
			run:     self.remoteTask(operation),
			waiters: []chan pipelineResolution{resolved},
		})
		return self.await(ctx, resolved)
	}

	resolved := make(chan pipelineResolution, 1)

	self.stateLock.Lock()
	if self.held != nil && self.held.operation.CanMergeWith(operation) {
		self.held.operation = self.held.operation.MergeWith(operation)
		self.held.waiters = append(self.held.waiters, resolved)
		self.held.timer.Reset(self.settings.MergeWindow)
		self.stateLock.Unlock()
		glog.V(2).Infof("[pipe]merge absorbed %s\n", operation.Id)
		return self.await(ctx, resolved)
	}
	flush := self.takeHeld()
	if mergeEligible(operation) {
		held := &heldOperation{
			operation: operation,
			waiters:   []chan pipelineResolution{resolved},
		}
		held.timer = time.AfterFunc(self.settings.MergeWindow, func() {
			self.flushHeld(held)
		})
		self.held = held
		self.stateLock.Unlock()
		if flush != nil {
			self.enqueue(flush)
		}
		return self.await(ctx, resolved)
	}
	self.stateLock.Unlock()

	if flush != nil {
		self.enqueue(flush)
	}
	self.enqueue(&pipelineTask{
		ctx:     ctx,
		run:     self.localTask(operation),
		waiters: []chan pipelineResolution{resolved},
	})
	return self.await(ctx, resolved)
}

// must be called inside the state lock. Converts the held operation,
// if any, into a task for the caller to enqueue after unlocking.
func (self *OperationPipeline) takeHeld() *pipelineTask {
	if self.held == nil {
		return nil
	}
	held := self.held
	self.held = nil
	held.timer.Stop()
	// detached from the submitters: a canceled first submitter must not
	// fail the waiters merged in after it
	taskCtx := self.runCtx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	return &pipelineTask{
		ctx:     taskCtx,
		run:     self.localTask(held.operation),
		waiters: held.waiters,
	}
}

// merge window expired
func (self *OperationPipeline) flushHeld(held *heldOperation) {
	self.stateLock.Lock()
	if self.held != held {
		self.stateLock.Unlock()
		return
	}
	task := self.takeHeld()
	self.stateLock.Unlock()
	if task != nil {
		self.enqueue(task)
	}
}

func (self *OperationPipeline) localTask(operation *Operation) func(ctx context.Context) (*OperationResult, error) {
	return func(ctx context.Context) (*OperationResult, error) {
		result, err := self.executor.ExecuteOperation(ctx, operation)
		if err != nil {
			return nil, err
		}
		self.recordHistory(operation)
		return result, nil
	}
}

// remote operations apply locally only and never enter the undo history
func (self *OperationPipeline) remoteTask(operation *Operation) func(ctx context.Context) (*OperationResult, error) {
	return func(ctx context.Context) (*OperationResult, error) {
		self.writeLock.Lock()
		defer self.writeLock.Unlock()
		return operation.Execute(self.store)
	}
}

func (self *OperationPipeline) recordHistory(operation *Operation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// a new edit after an undo discards the redoable future
	if self.cursor < len(self.history) {
		self.history = self.history[:self.cursor]
	}
	self.history = append(self.history, &HistoryEntry{
		Operation:  operation,
		ExecutedAt: time.Now(),
	})
	if self.settings.HistoryLimit < len(self.history) {
		self.history = self.history[1:]
	} else {
		self.cursor += 1
	}
}

// Undo moves the cursor back one entry, applying the entry's inverse
// through the same serial execution path, which also re-broadcasts it so
// peers apply the inverse.
func (self *OperationPipeline) Undo(ctx context.Context) (*OperationResult, error) {
	self.stateLock.Lock()
	flush := self.takeHeld()
	self.stateLock.Unlock()
	if flush != nil {
		self.enqueue(flush)
	}

	resolved := make(chan pipelineResolution, 1)
	self.enqueue(&pipelineTask{
		ctx: ctx,
		run: func(ctx context.Context) (*OperationResult, error) {
			self.stateLock.Lock()
			if self.cursor == 0 {
				self.stateLock.Unlock()
				return nil, ErrNothingToUndo
			}
			entry := self.history[self.cursor-1]
			self.stateLock.Unlock()

			result, err := self.executor.ExecuteUndo(ctx, entry.Operation)
			if err != nil {
				return nil, err
			}
			self.stateLock.Lock()
			self.cursor -= 1
			self.stateLock.Unlock()
			return result, nil
		},
		waiters: []chan pipelineResolution{resolved},
	})
	return self.await(ctx, resolved)
}

// Redo re-applies the entry past the cursor.
func (self *OperationPipeline) Redo(ctx context.Context) (*OperationResult, error) {
	self.stateLock.Lock()
	flush := self.takeHeld()
	self.stateLock.Unlock()
	if flush != nil {
		self.enqueue(flush)
	}

	resolved := make(chan pipelineResolution, 1)
	self.enqueue(&pipelineTask{
		ctx: ctx,
		run: func(ctx context.Context) (*OperationResult, error) {
			self.stateLock.Lock()
			if len(self.history) <= self.cursor {
				self.stateLock.Unlock()
				return nil, ErrNothingToRedo
			}
			entry := self.history[self.cursor]
			self.stateLock.Unlock()

			result, err := self.executor.ExecuteRedo(ctx, entry.Operation)
			if err != nil {
				return nil, err
			}
			self.stateLock.Lock()
			self.cursor += 1
			self.stateLock.Unlock()
			return result, nil
		},
		waiters: []chan pipelineResolution{resolved},
	})
	return self.await(ctx, resolved)
}

func (self *OperationPipeline) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < self.cursor
}

func (self *OperationPipeline) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.cursor < len(self.history)
}

func (self *OperationPipeline) HistoryLength() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.history)
}
