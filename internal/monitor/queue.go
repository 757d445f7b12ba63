package monitor

import "sync"

// serialQueue 每个设备一个的串行执行队列，push 永不阻塞
type serialQueue struct {
	mu       sync.Mutex
	tasks    []func()
	wake     chan struct{}
	done     chan struct{}
	closed   bool
	draining bool
}

func newSerialQueue() *serialQueue {
	return &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *serialQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed || q.draining {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// finish 追加最后一个任务，执行完已排队的任务后退出
func (q *serialQueue) finish(fn func()) {
	q.mu.Lock()
	if q.closed || q.draining {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.draining = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close 丢弃尚未执行的任务
func (q *serialQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tasks = nil
	close(q.done)
}

func (q *serialQueue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.tasks) == 0 {
		return nil, false
	}
	fn := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return fn, true
}

func (q *serialQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || (q.draining && len(q.tasks) == 0)
}

func (q *serialQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			for {
				fn, ok := q.next()
				if !ok {
					break
				}
				fn()
			}
			if q.drained() {
				return
			}
		}
	}
}
