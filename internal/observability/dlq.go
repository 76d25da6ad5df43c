package observability

import "sync"

// DeadLetterQueue parks telemetry events describing work the gateway could
// not complete, journal appends that kept failing being the main producer.
// Operators collect the backlog through Drain; a bounded queue evicts its
// oldest entry instead of growing.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	dropped  uint64
	events   []TelemetryEvent
}

// NewDeadLetterQueue builds a queue holding at most capacity events. A
// capacity of zero or less leaves the queue unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.events = make([]TelemetryEvent, 0)
	return queue
}

// Offer parks a clone of the telemetry event. At capacity the oldest entry
// is evicted and counted as dropped.
func (q *DeadLetterQueue) Offer(event TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = cloneTelemetryEvent(event)
		q.dropped++
		return
	}
	q.events = append(q.events, cloneTelemetryEvent(event))
}

// Drain returns every parked event and empties the queue.
func (q *DeadLetterQueue) Drain() []TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]TelemetryEvent, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len reports the number of parked events.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped reports how many events were evicted to stay within capacity.
func (q *DeadLetterQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
