package interfaces

import "presence/pkg/types"

// TransitionPublisher receives presence changes as they happen
// TECHNICAL DISCOVERY: Publish is called while the registry lock is held, so
// implementations must not block; they queue and drop when full
type TransitionPublisher interface {
	Publish(transitions []types.Transition)
}
