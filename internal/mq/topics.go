package mq

// Topic constants. Single source of truth for MQ topic strings.
const (
	// Call signaling: private, point-to-point between two peers.
	TopicCallSignal = "call:signal"

	// Prefix shared by every call topic.
	TopicCallPrefix = "call:"
)
