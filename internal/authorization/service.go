package authorization

import "context"

// Service checks whether an actor may perform an action on an object.
// Actors are "system", "sweeper" or "user:<id>"; a user's role is read from
// the request context.
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}
