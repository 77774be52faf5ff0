package redis

// Redis key naming conventions for broker data.
// All keys are prefixed with "taskmq:" to avoid collisions.

const keyPrefix = "taskmq:"

// queueKey returns the List key holding ready messages: taskmq:q:{name}
func queueKey(name string) string { return keyPrefix + "q:" + name }

// processingKey returns the per-consumer List holding in-flight
// messages: taskmq:p:{name}:{consumerID}
func processingKey(name, consumerID string) string {
	return keyPrefix + "p:" + name + ":" + consumerID
}

// delayedKey returns the Sorted Set holding delayed messages, scored by
// release time: taskmq:z:{name}
func delayedKey(name string) string { return keyPrefix + "z:" + name }

// uniqueKey returns the claim key for deduplicated publishes:
// taskmq:u:{name}:{dedupKey}
func uniqueKey(name, dedupKey string) string {
	return keyPrefix + "u:" + name + ":" + dedupKey
}

// redeliveredKey returns the marker key recording that a message nonce
// has been requeued or reclaimed: taskmq:r:{nonce}
func redeliveredKey(nonce string) string { return keyPrefix + "r:" + nonce }

// queuesKey is the Set tracking declared queue names for enumeration.
const queuesKey = keyPrefix + "queues"
