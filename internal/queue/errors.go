package queue

import "errors"

var (
	// ErrNotAllowed is returned when pushing to a disabled queue.
	ErrNotAllowed = errors.New("queue is disabled, item is not allowed to be pushed")

	// ErrQueueFull is returned when a new item does not fit the queue.
	ErrQueueFull = errors.New("queue is full")

	// ErrInvalidItemType is returned when the pushed payload is not
	// valid JSON.
	ErrInvalidItemType = errors.New("incorrect item type")
)

// Admission conflicts. The messages are part of the external API and
// are kept byte for byte.
var (
	ErrReplaceNotAllowed = errors.New(
		"Item already on queue, we're not allowed to replace the item that is already on the queue.")

	ErrUpdateNotAllowed = errors.New(
		"Item already on queue, and item changed, we're not allowed to update the item that is already on the queue.")

	ErrPriorityUpdateNotAllowed = errors.New(
		"Item already on queue, and priority changed, we're not allowed to update the priority of the item that is already on the queue.")
)

// IsConflict reports whether err is one of the duplicate-hash
// admission rejections.
func IsConflict(err error) bool {
	return errors.Is(err, ErrReplaceNotAllowed) ||
		errors.Is(err, ErrUpdateNotAllowed) ||
		errors.Is(err, ErrPriorityUpdateNotAllowed)
}
