package toolserver

import "sync"

// escalationRegistry keys one buffered answer channel per pending decision
// id, implementing the wait-primitive spec.md §9's Design Notes call for:
// escalate_to_user registers, blocks on the channel, and either the
// dashboard-facing answer_escalation path or server shutdown delivers
// exactly one value.
type escalationRegistry struct {
	mu    sync.Mutex
	waits map[string]chan string
}

func newEscalationRegistry() *escalationRegistry {
	return &escalationRegistry{waits: make(map[string]chan string)}
}

// register creates decisionID's answer channel. The caller owns cleanup via
// resolve, which also runs on the cancellation path.
func (r *escalationRegistry) register(decisionID string) chan string {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.waits[decisionID] = ch
	r.mu.Unlock()
	return ch
}

// resolve removes decisionID's channel so a second answer or a cancellation
// race can't double-deliver.
func (r *escalationRegistry) resolve(decisionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waits, decisionID)
}

// answer delivers answer to decisionID's waiter. Returns false if no
// waiter is registered (unknown id, or already resolved).
func (r *escalationRegistry) answer(decisionID, answer string) bool {
	r.mu.Lock()
	ch, ok := r.waits[decisionID]
	if ok {
		delete(r.waits, decisionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	return true
}

// cancelAll delivers a cancellation sentinel to every outstanding waiter,
// used on server shutdown per spec.md §4.6: "cancellation occurs only via
// server shutdown".
func (r *escalationRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.waits {
		ch <- ""
		delete(r.waits, id)
	}
}
