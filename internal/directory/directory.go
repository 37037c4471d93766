package directory

import "context"

// Profile is the externally looked-up identity of one attendee.
type Profile struct {
	ID        int64  `db:"id"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Avatar    string `db:"avatar"`
}

// Directory resolves numeric user ids to profiles. The meeting core only
// consumes this; authentication and caching live behind the interface.
type Directory interface {
	Lookup(ctx context.Context, userID int64) (*Profile, error)
}
