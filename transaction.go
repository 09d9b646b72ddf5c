package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type TransactionState string

const (
	TransactionStatePending    TransactionState = "pending"
	TransactionStateExecuting  TransactionState = "executing"
	TransactionStateCommitted  TransactionState = "committed"
	TransactionStateRolledBack TransactionState = "rolled_back"
	TransactionStateFailed     TransactionState = "failed"
)

// Transaction wraps a sequence of operations in an all-or-nothing
// envelope with a checkpoint of the mutable graph taken before the first
// operation executes.
type Transaction struct {
	Id         Id
	Operations []*Operation
	State      TransactionState
	// index of the failing operation, meaningful in terminal failure
	// states
	FailedIndex int
	StartTime   time.Time
	EndTime     time.Time

	checkpoint entitySnapshot
}

type TransactionManagerSettings struct {
	// terminal transactions retained for inspection
	RetainLimit int
}

func DefaultTransactionManagerSettings() *TransactionManagerSettings {
	return &TransactionManagerSettings{
		RetainLimit: 32,
	}
}

type TransactionManager struct {
	store    EntityStore
	executor OperationExecutor

	settings *TransactionManagerSettings

	// shared with the other writers over the same store, so a checkpoint
	// capture or restore never interleaves with a delta or operation apply
	writeLock *sync.Mutex

	stateLock sync.Mutex
	recent    []*Transaction
}

func NewTransactionManagerWithDefaults(store EntityStore, executor OperationExecutor) *TransactionManager {
	return NewTransactionManager(store, executor, DefaultTransactionManagerSettings())
}

func NewTransactionManager(store EntityStore, executor OperationExecutor, settings *TransactionManagerSettings) *TransactionManager {
	return &TransactionManager{
		store:     store,
		executor:  executor,
		settings:  settings,
		writeLock: &sync.Mutex{},
		recent:    []*Transaction{},
	}
}

func (self *TransactionManager) retain(transaction *Transaction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.recent = append(self.recent, transaction)
	if self.settings.RetainLimit < len(self.recent) {
		self.recent = self.recent[1:]
	}
}

func (self *TransactionManager) Recent() []*Transaction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*Transaction{}, self.recent...)
}

// ExecuteTransaction runs the operations strictly in order through the
// same execution channel as individual operations. On failure of
// operation k, the inverses of operations k-1..0 run in reverse order;
// if that rollback chain itself fails partway, the entire pre-transaction
// checkpoint is restored wholesale.
func (self *TransactionManager) ExecuteTransaction(ctx context.Context, operations []*Operation) (*Transaction, error) {
	transaction := &Transaction{
		Id:          NewId(),
		Operations:  operations,
		State:       TransactionStatePending,
		FailedIndex: -1,
		StartTime:   time.Now(),
	}

	self.writeLock.Lock()
	transaction.checkpoint = captureSnapshot(self.store)
	self.writeLock.Unlock()
	transaction.State = TransactionStateExecuting
	for _, operation := range operations {
		operation.TransactionId = transaction.Id
	}

	for k, operation := range operations {
		_, err := self.executor.ExecuteOperation(ctx, operation)
		if err == nil {
			continue
		}

		glog.Infof("[txn]%s failed at operation %d: %v\n", transaction.Id, k, err)
		transaction.FailedIndex = k
		checkpointRestored := !self.unwind(ctx, operations[:k])
		if checkpointRestored {
			self.writeLock.Lock()
			restoreSnapshot(self.store, transaction.checkpoint)
			self.writeLock.Unlock()
			transaction.State = TransactionStateFailed
		} else {
			transaction.State = TransactionStateRolledBack
		}
		transaction.EndTime = time.Now()
		transaction.checkpoint = nil
		self.retain(transaction)
		return transaction, &TransactionStepError{
			TransactionId:      transaction.Id,
			FailedIndex:        k,
			Cause:              err,
			CheckpointRestored: checkpointRestored,
		}
	}

	transaction.State = TransactionStateCommitted
	transaction.EndTime = time.Now()
	// checkpoint discarded on commit
	transaction.checkpoint = nil
	self.retain(transaction)
	glog.V(2).Infof("[txn]%s committed %d operations\n", transaction.Id, len(operations))
	return transaction, nil
}

// unwind applies each executed operation's own undo-data-derived inverse
// in reverse order. Returns false if the chain broke partway.
func (self *TransactionManager) unwind(ctx context.Context, executed []*Operation) bool {
	for i := len(executed) - 1; 0 <= i; i -= 1 {
		if _, err := self.executor.ExecuteUndo(ctx, executed[i]); err != nil {
			glog.Infof("[txn]unwind failed at operation %d: %v, restoring checkpoint\n", i, err)
			return false
		}
	}
	return true
}

// ExecuteWithTransaction is the single-step convenience form: checkpoint,
// run fn, commit, or restore the checkpoint when fn returns an error.
func (self *TransactionManager) ExecuteWithTransaction(ctx context.Context, fn func(ctx context.Context) error) (*Transaction, error) {
	transaction := &Transaction{
		Id:          NewId(),
		State:       TransactionStatePending,
		FailedIndex: -1,
		StartTime:   time.Now(),
	}
	self.writeLock.Lock()
	transaction.checkpoint = captureSnapshot(self.store)
	self.writeLock.Unlock()
	transaction.State = TransactionStateExecuting

	if err := fn(ctx); err != nil {
		self.writeLock.Lock()
		restoreSnapshot(self.store, transaction.checkpoint)
		self.writeLock.Unlock()
		transaction.State = TransactionStateFailed
		transaction.FailedIndex = 0
		transaction.EndTime = time.Now()
		transaction.checkpoint = nil
		self.retain(transaction)
		return transaction, &TransactionStepError{
			TransactionId:      transaction.Id,
			FailedIndex:        0,
			Cause:              err,
			CheckpointRestored: true,
		}
	}

	transaction.State = TransactionStateCommitted
	transaction.EndTime = time.Now()
	transaction.checkpoint = nil
	self.retain(transaction)
	return transaction, nil
}
