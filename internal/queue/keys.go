package queue

import "fmt"

func ns(name string) string {
	return "retryq:" + name
}

// MessageKey builds a key used by a single message.
// IDs are zero padded so that keys sort in enqueue order.
func MessageKey(queue string, id uint64) string {
	return ns(queue + ":msg:" + fmt.Sprintf("%020d", id))
}

// PendingKey builds the key of the pending set.
// The pending set holds messages that are visible and waiting to be received.
// It is where messages first arrive and where expired leases return to.
func PendingKey(name string) string {
	return ns(name + ":pending")
}

// InFlightKey builds the key of the in-flight set.
// The in-flight set holds messages that were received and are hidden until acknowledged or their lease expires.
func InFlightKey(name string) string {
	return ns(name + ":in_flight")
}

// LeaseKey builds the key of the lease bucket.
// It maps in-flight message keys to the time they become visible again.
func LeaseKey(name string) string {
	return ns(name + ":lease")
}

// StatsKey builds the key of the stats bucket.
func StatsKey() string {
	return ns("stats")
}

// CompletedCountKey builds the key of the acknowledged message counter of a queue.
func CompletedCountKey(name string) string {
	return ns(name + ":completed")
}
