package service

import "context"

// Transport delivers an outbound payload to one user's live sessions. The
// websocket hub is the primary transport; an HTTP-style push is the
// fallback.
type Transport interface {
	Deliver(ctx context.Context, userID uint, payload interface{}) error
}

// Broadcaster fans a payload out to every active session of one user.
type Broadcaster interface {
	Broadcast(userID uint, payload interface{}) error
}

// GlobalBroadcaster pushes a payload to every connected session, used for
// presence edges.
type GlobalBroadcaster interface {
	BroadcastAll(payload interface{})
}
