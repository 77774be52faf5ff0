// Package queue defines the logical queue classes, the pure routing
// decision that assigns an envelope to a class, and a Manager that
// enforces per-class rate limits and concurrency caps on the local
// worker pool.
package queue
