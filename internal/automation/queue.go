package automation

import (
	"log"
	"sync"
)

// TaskQueue decouples rule execution from the trigger that requested it.
// Submit must not block the caller.
type TaskQueue interface {
	Submit(name string, fn func())
}

// GoroutineQueue runs each task on its own goroutine. Panics are recovered
// and logged so a bad rule never takes the process down.
type GoroutineQueue struct {
	wg sync.WaitGroup
}

func NewGoroutineQueue() *GoroutineQueue {
	return &GoroutineQueue{}
}

func (q *GoroutineQueue) Submit(name string, fn func()) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: task %s panicked: %v", name, r)
			}
		}()
		fn()
	}()
}

// Wait blocks until all submitted tasks finish. Used on shutdown and in tests.
func (q *GoroutineQueue) Wait() {
	q.wg.Wait()
}
