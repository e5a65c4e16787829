// Package archive stores chat transcripts behind interfaces.Archive. The
// coordinator and relay write through; the HTTP API reads history from it.
package archive

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"livedesk/internal/config"
	"livedesk/pkg/interfaces"
	"livedesk/pkg/types"
)

var ErrArchiveClosed = errors.New("archive is closed")

// New opens the driver selected by cfg.Driver.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (interfaces.Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "sqlite":
		a, err := NewSQLite(&cfg.SQLite, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "memory":
		return NewMemory(), nil
	case "none", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// Nop discards everything. History lookups fall back to memory only.
type Nop struct{}

func (Nop) SaveSession(context.Context, *types.Session) error   { return nil }
func (Nop) AppendMessage(context.Context, *types.Message) error { return nil }
func (Nop) Transcript(context.Context, string) (*types.Transcript, error) {
	return nil, interfaces.ErrTranscriptNotFound
}
func (Nop) DeleteTranscript(context.Context, string) error { return interfaces.ErrTranscriptNotFound }
func (Nop) HealthCheck(context.Context) error              { return nil }
func (Nop) Close() error                                   { return nil }

var _ interfaces.Archive = Nop{}
