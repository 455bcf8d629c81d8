// Task-submission contract implemented by scheduler.Scheduler.

package api

// Executor abstracts "run this function on some worker, eventually."
// scheduler.Scheduler implements it over its fixed worker pool and shared
// FIFO queue.
type Executor interface {
	// Submit enqueues task for execution by a worker. Submit never blocks
	// waiting for the task to run.
	Submit(task func()) error

	// NumWorkers returns the number of worker threads in the pool.
	NumWorkers() int
}
