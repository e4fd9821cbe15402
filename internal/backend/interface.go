package backend

import (
	"context"

	"fintrack/internal/mirror"
	"fintrack/internal/remote"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// MirrorResult contains the local mirror and its cleanup function
type MirrorResult struct {
	Mirror  mirror.Mirror
	Cleanup CleanupFunc
}

// RemoteResult contains the remote store and its cleanup function
type RemoteResult struct {
	Store   remote.Store
	Cleanup CleanupFunc
}

// Factory builds the persistence layers selected by configuration
type Factory interface {
	// CreateMirror opens the local mirror for cfg.Mirror
	CreateMirror(ctx context.Context, cfg Config) (*MirrorResult, error)
	// CreateRemote opens the remote store for cfg.Remote
	CreateRemote(ctx context.Context, cfg Config) (*RemoteResult, error)
	// CreateTarget opens the store the outbox worker writes to
	CreateTarget(ctx context.Context, cfg Config) (*RemoteResult, error)
}

func noCleanup() error { return nil }
