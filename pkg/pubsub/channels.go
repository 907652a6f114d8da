package pubsub

import "fmt"

// Channel naming conventions for relay change notifications.
const (
	// ChannelRelayChanges carries one event per mutation of the relay tree.
	ChannelRelayChanges = "%s:changes"
)

// Event types published on the relay changes channel.
const (
	// EventPathChanged means the value at Path, or something below it, changed.
	EventPathChanged = "path_changed"
)

// RelayChangesChannel returns the change channel for a relay key prefix.
func RelayChangesChannel(prefix string) string {
	return fmt.Sprintf(ChannelRelayChanges, prefix)
}

