package fetch

import (
	"context"
	"time"
)

// ContentProvider performs the remote retrieval of media. Its retry policy, if
// any, is internal to it.
type ContentProvider interface {
	ResolveTarget(ctx context.Context, identifier string) (TargetInfo, error)
	FetchItem(ctx context.Context, item ItemRef, destDir string, timeout time.Duration) Outcome
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobArchive records terminal job snapshots for auditing. It is write-only;
// the registry never reloads from it.
type JobArchive interface {
	ArchiveJob(ctx context.Context, snap JobSnapshot) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
