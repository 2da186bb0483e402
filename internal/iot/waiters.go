package iot

import "sync"

// waiterKey identifies one outstanding request/reply pair
type waiterKey struct {
	deviceID  string
	requestID string
}

// waiterResult carries the decoded reply or the transport-level error
type waiterResult struct {
	response *Response
	err      error
}

// waiterTable is the in-process registry of pending request/reply pairs.
// Entries are short-lived: created right before publish, removed on
// resolution or timeout. The table's lifetime is scoped to the owning
// Channel; there is no global state.
type waiterTable struct {
	mu      sync.Mutex
	waiters map[waiterKey]chan waiterResult
}

func newWaiterTable() *waiterTable {
	return &waiterTable{
		waiters: make(map[waiterKey]chan waiterResult),
	}
}

// add registers a waiter and returns its result channel. The channel is
// buffered so resolution never blocks the dispatcher.
func (t *waiterTable) add(deviceID, requestID string) chan waiterResult {
	ch := make(chan waiterResult, 1)
	t.mu.Lock()
	t.waiters[waiterKey{deviceID, requestID}] = ch
	t.mu.Unlock()
	return ch
}

// remove deletes a waiter without resolving it, used on timeout and
// cancellation so the table never leaks abandoned entries
func (t *waiterTable) remove(deviceID, requestID string) {
	t.mu.Lock()
	delete(t.waiters, waiterKey{deviceID, requestID})
	t.mu.Unlock()
}

// resolve delivers a result to a pending waiter and removes it. Returns
// false when no waiter is registered, which makes a late reply after a
// timeout a no-op rather than a false resolution.
func (t *waiterTable) resolve(deviceID, requestID string, res waiterResult) bool {
	key := waiterKey{deviceID, requestID}

	t.mu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// size reports the number of pending waiters
func (t *waiterTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
