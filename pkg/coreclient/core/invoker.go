package core

import "sync"

// Invoker spawns goroutines on behalf of the core so that tests can
// swap in an implementation that waits for every spawned function to
// finish before asserting (mirrors the teacher's Invoker abstraction).
type Invoker interface {
	Spawn(f func())
	Wait()
}

type defaultInvoker struct {
	group sync.WaitGroup
}

// NewInvoker returns the production Invoker: every spawned function
// runs on its own goroutine, Wait blocks until all of them return.
func NewInvoker() Invoker {
	return &defaultInvoker{}
}

func (i *defaultInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *defaultInvoker) Wait() {
	i.group.Wait()
}
