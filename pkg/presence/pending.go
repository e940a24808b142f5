package presence

// PendingMessage is a direct message held for a recipient that was offline
// when it was sent.
type PendingMessage struct {
	From string
	To   string
	Text string
}

// pendingQueue keeps one FIFO per recipient so delivery only touches the
// messages for users that are actually reachable. A limit of 0 means
// unbounded.
type pendingQueue struct {
	byRecipient map[string][]PendingMessage
	total       int
	limit       int
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{
		byRecipient: make(map[string][]PendingMessage),
		limit:       limit,
	}
}

// push appends msg to its recipient's queue. When the per-recipient limit is
// exceeded the oldest entry is evicted and returned.
func (q *pendingQueue) push(msg PendingMessage) (dropped *PendingMessage) {
	queue := append(q.byRecipient[msg.To], msg)
	q.total++
	if q.limit > 0 && len(queue) > q.limit {
		oldest := queue[0]
		queue = queue[1:]
		q.total--
		dropped = &oldest
	}
	q.byRecipient[msg.To] = queue
	return dropped
}

// take removes and returns every message queued for recipient.
func (q *pendingQueue) take(recipient string) []PendingMessage {
	queue := q.byRecipient[recipient]
	if len(queue) == 0 {
		return nil
	}
	delete(q.byRecipient, recipient)
	q.total -= len(queue)
	return queue
}

// requeue puts undelivered messages back at the head of recipient's queue.
func (q *pendingQueue) requeue(recipient string, msgs []PendingMessage) {
	if len(msgs) == 0 {
		return
	}
	rest := q.byRecipient[recipient]
	queue := make([]PendingMessage, 0, len(msgs)+len(rest))
	queue = append(queue, msgs...)
	queue = append(queue, rest...)
	q.byRecipient[recipient] = queue
	q.total += len(msgs)
}

// recipients lists users with at least one queued message.
func (q *pendingQueue) recipients() []string {
	names := make([]string, 0, len(q.byRecipient))
	for name := range q.byRecipient {
		names = append(names, name)
	}
	return names
}

func (q *pendingQueue) count(recipient string) int {
	return len(q.byRecipient[recipient])
}

func (q *pendingQueue) len() int {
	return q.total
}
