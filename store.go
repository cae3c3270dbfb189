package conduit

import (
	"sort"
	"sync"
)

// ExecutionStore keeps the execution history of an engine in memory. All
// methods are safe for concurrent use; reads return deep copies so callers
// never observe an execution mid-update.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*PipelineExecution
}

// NewExecutionStore creates an empty execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions: make(map[string]*PipelineExecution),
	}
}

// Put registers an execution under its ID, replacing any previous entry.
func (s *ExecutionStore) Put(execution *PipelineExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.ExecutionID] = execution.clone()
}

// Update applies fn to the stored execution with the given ID while holding
// the write lock. It is a no-op for unknown IDs.
func (s *ExecutionStore) Update(executionID string, fn func(*PipelineExecution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if execution, ok := s.executions[executionID]; ok {
		fn(execution)
	}
}

// Get returns a snapshot of the execution with the given ID.
func (s *ExecutionStore) Get(executionID string) (*PipelineExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, false
	}
	return execution.clone(), true
}

// List returns snapshots of stored executions, most recently started first.
// A non-empty pipelineName restricts the result to that pipeline. Executions
// sharing a start time are ordered by ID so the result is stable.
func (s *ExecutionStore) List(pipelineName string) []*PipelineExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*PipelineExecution, 0, len(s.executions))
	for _, execution := range s.executions {
		if pipelineName != "" && execution.PipelineName != pipelineName {
			continue
		}
		list = append(list, execution.clone())
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].StartTime.After(list[j].StartTime)
		}
		return list[i].ExecutionID < list[j].ExecutionID
	})
	return list
}

// Len returns the number of stored executions.
func (s *ExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
