// Package mailbox implements the single-consumer work queue every engine loop
// drains, and the Waiter the loop parks on when its queue is empty.
//
// Any goroutine may Post a task. Exactly one goroutine, the owning loop,
// calls Drain. A task that panics is recovered, counted as failed, and handed
// to the mailbox's error handler; it never stops the drain or corrupts the
// queue.
//
// Ordering: tasks posted by one producer run in post order. Across producers
// the only order is queue insertion order.
//
// Lifecycle:
//
//	mb := mailbox.New("render")
//	mb.Post(func() { ... })      // from any goroutine
//	mb.Drain(1024)               // on the consumer
//	mb.ShutdownAndDrainAll()     // at loop exit
//
// Waiter is the companion parking primitive: the consumer drains, and when the
// queue is empty parks for a bounded time. Producers call Wake after Post.
// Because the park is bounded, a wake that races with the park is recovered
// within one timeout.
package mailbox
