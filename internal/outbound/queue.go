package outbound

import "errors"

// MaxQueuedMessages is the send queue capacity.
const MaxQueuedMessages = 10

// ErrQueueFull is returned when the backpressure queue cannot absorb another
// request. The caller must treat it as a hard "try later" error.
var ErrQueueFull = errors.New("outbound: send queue full")

// Request is one pending send: destination, message type, and the already
// encoded wire payload.
type Request struct {
	Addr    string
	Type    string
	Payload []byte
}

// Queue is the bounded FIFO absorbing send requests while every pool slot
// is busy. A fixed ring: no dynamic growth.
type Queue struct {
	items [MaxQueuedMessages]Request
	head  int
	n     int
}

// Enqueue appends req. Fails when the ring is at capacity.
func (q *Queue) Enqueue(req Request) error {
	if q.n == len(q.items) {
		return ErrQueueFull
	}
	q.items[(q.head+q.n)%len(q.items)] = req
	q.n++
	return nil
}

// Dequeue removes the oldest request. ok is false when the queue is empty.
func (q *Queue) Dequeue() (req Request, ok bool) {
	if q.n == 0 {
		return Request{}, false
	}
	req = q.items[q.head]
	q.items[q.head] = Request{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return req, true
}

// Len returns the number of queued requests.
func (q *Queue) Len() int { return q.n }
