package justpipe

import "sync"

// mapBatch is one fan-out group created when a step returns a Map routing
// value. remaining counts children of target still running under the
// owner. ownerScope is carried for nested-map disambiguation but does not
// affect matching: batches stay FIFO-flat per owner.
type mapBatch struct {
	target     string
	itemCount  int
	remaining  int
	ownerID    string
	ownerScope []string
}

// mapScheduler tracks fan-out progress per owner. Batches for one owner
// form a FIFO list: a completion of the batch target is always attributed
// to the oldest batch whose target matches, so interleaved batches
// targeting the same step drain in registration order.
type mapScheduler struct {
	mu      sync.Mutex
	batches map[string][]*mapBatch
}

func newMapScheduler() *mapScheduler {
	return &mapScheduler{batches: make(map[string][]*mapBatch)}
}

// registerBatch appends a batch at the tail of the owner's list. An empty
// batch (itemCount zero) is still registered; it drains the instant the
// owner step itself completes.
func (s *mapScheduler) registerBatch(owner, target string, itemCount int, ownerID string, scope []string) *mapBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &mapBatch{
		target:     target,
		itemCount:  itemCount,
		remaining:  itemCount,
		ownerID:    ownerID,
		ownerScope: scope,
	}
	s.batches[owner] = append(s.batches[owner], b)
	return b
}

// onStepCompleted is the hot path, called for every completed invocation.
// Scanning the owner's list in FIFO order:
//  1. if completed matches the oldest batch whose target matches, that
//     batch alone is decremented; reaching zero drains it;
//  2. if the owner step itself completed and the oldest batch is empty,
//     the empty batch drains;
//  3. anything else is ignored.
//
// Returns the drained batches. The owner's key is removed once its list
// is empty.
func (s *mapScheduler) onStepCompleted(owner, completed string) []*mapBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.batches[owner]
	if !ok || len(list) == 0 {
		return nil
	}

	var drained []*mapBatch
	matched := false
	for i, b := range list {
		if b.target != completed {
			continue
		}
		matched = true
		b.remaining--
		if b.remaining <= 0 {
			drained = append(drained, b)
			list = append(list[:i], list[i+1:]...)
		}
		break
	}
	if !matched && completed == owner && list[0].itemCount == 0 {
		drained = append(drained, list[0])
		list = list[1:]
	}

	if len(list) == 0 {
		delete(s.batches, owner)
	} else {
		s.batches[owner] = list
	}
	return drained
}

// outstanding reports whether any batch remains undrained.
func (s *mapScheduler) outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches) > 0
}
