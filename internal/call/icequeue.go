package call

// maxQueuedCandidates bounds what one sender can park in a session before
// the remote description is set.
const maxQueuedCandidates = 256

// candidateQueue buffers remote ICE candidates until the remote description
// is set. Local candidates never go through it.
type candidateQueue struct {
	items []string
}

// enqueue appends candidate. It returns false, keeping the queue as is, once
// maxQueuedCandidates are waiting.
func (q *candidateQueue) enqueue(candidate string) bool {
	if len(q.items) >= maxQueuedCandidates {
		return false
	}
	q.items = append(q.items, candidate)
	return true
}

func (q *candidateQueue) len() int { return len(q.items) }

// drain applies every queued candidate in enqueue order and clears the
// queue. A failing candidate is logged and the drain continues. It returns
// how many were applied successfully.
func (q *candidateQueue) drain(label string, apply func(string) error) int {
	items := q.items
	q.items = nil
	ok := 0
	for i, c := range items {
		if err := apply(c); err != nil {
			log.Warnf("[%s] queued candidate %d/%d rejected: %v", label, i+1, len(items), err)
			continue
		}
		ok++
	}
	if len(items) > 0 {
		log.Debugf("[%s] drained %d queued candidates (%d applied)", label, len(items), ok)
	}
	return ok
}
