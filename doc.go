// Package taskmq is a distributed background-job dispatcher built on top
// of a plain message broker. Producers publish units of work that are
// executed asynchronously, possibly by a different process or machine,
// with at-least-once delivery, automatic retry with backoff, delayed
// execution, and deduplicated periodic (cron-like) jobs across a fleet
// of worker instances.
//
// taskmq is designed as a library, not a service. Import it, configure a
// transport, and register jobs as ordinary Go functions.
//
// # Quick Start
//
//	d, err := taskmq.New(tr,
//	    taskmq.WithConcurrency(queue.Regular, 20),
//	)
//	taskmq.Register(d, job.NewDefinition("email.send", sendEmail))
//	_ = d.Start(ctx)
//	_ = d.Publish(ctx, "email.send", EmailArgs{To: "a@b.c"})
//
// # Architecture
//
// All coordination between instances happens through the transport: a
// broker offering durable named queues with publish/consume and
// per-message ack/nack. Envelopes are routed to logical queue classes
// (regular, long-running, retry, ...) so slow or retrying work never
// starves immediate dispatch. Delayed delivery and cluster-wide
// periodic deduplication are built on those primitives; see the
// periodic and transport packages.
//
// Delivery is at-least-once. Job handlers must be idempotent.
package taskmq
