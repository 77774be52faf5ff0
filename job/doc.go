// Package job defines the envelope — the immutable unit of work moved
// through queues — together with typed job definitions and the registry
// that maps job-type identifiers to executable handlers.
package job
