// Package periodic maintains the set of registered periodic jobs and
// fires each one exactly once per due interval across a fleet of
// instances.
//
// Every instance runs an identical local timer over its own copy of the
// registration table. When a registration comes due, each instance
// attempts an idempotent publish of an occurrence claim keyed by
// (periodic id, due instant) into a durable claim queue unique to that
// periodic id. Redundant publishes collapse onto a single message, and
// ordinary single-consumer queue semantics guarantee only one instance
// dequeues it. The winner republishes the job through the normal
// dispatch path; the losers never hear about it.
package periodic
