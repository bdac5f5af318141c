package storeserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/samuel-1-avson/arcade-sync/internal/archive"
	"github.com/samuel-1-avson/arcade-sync/internal/room"
	"github.com/samuel-1-avson/arcade-sync/internal/store"
)

// Janitor reclaims rooms nobody lives in anymore. The session core never
// deletes a room whose host crashed (disconnect cleanup only removes the
// host's player entry), so without this sweep orphaned rooms would pile up in
// the store forever.
type Janitor struct {
	store    *store.Memory
	prefixes []string
	ttl      time.Duration
	interval time.Duration
	archive  *archive.Archive
	logger   *zap.Logger

	emptySince map[string]time.Time
}

// NewJanitor sweeps the given room prefixes every interval, deleting rooms
// whose roster has been empty for at least ttl. archive may be nil.
func NewJanitor(st *store.Memory, prefixes []string, ttl, interval time.Duration, arch *archive.Archive, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		store:      st,
		prefixes:   prefixes,
		ttl:        ttl,
		interval:   interval,
		archive:    arch,
		logger:     logger,
		emptySince: make(map[string]time.Time),
	}
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	conn := j.store.Connect()
	defer conn.Close()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep(ctx, conn)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context, conn store.Conn) {
	now := time.Now()
	live := make(map[string]bool)

	for _, prefix := range j.prefixes {
		snap, err := conn.Get(ctx, room.BasePath(prefix))
		if err != nil || !snap.Exists() {
			continue
		}
		rooms, ok := snap.Value.(map[string]any)
		if !ok {
			continue
		}
		for code, raw := range rooms {
			key := prefix + "/" + code
			live[key] = true

			var doc room.Room
			if err := store.Decode(raw, &doc); err != nil {
				j.logger.Warn("janitor: undecodable room", zap.String("code", code), zap.Error(err))
				continue
			}
			if len(doc.Players) > 0 {
				delete(j.emptySince, key)
				continue
			}
			since, seen := j.emptySince[key]
			if !seen {
				j.emptySince[key] = now
				continue
			}
			if now.Sub(since) < j.ttl {
				continue
			}

			if doc.Lifecycle == room.LifecycleFinished && j.archive != nil {
				if err := j.archive.Record(ctx, code, doc.GameID, string(doc.Mode), 0, doc.Results); err != nil {
					j.logger.Warn("janitor: archive failed", zap.String("code", code), zap.Error(err))
				}
			}
			if err := conn.Delete(ctx, room.Path(prefix, code)); err != nil {
				j.logger.Warn("janitor: delete failed", zap.String("code", code), zap.Error(err))
				continue
			}
			delete(j.emptySince, key)
			j.logger.Info("janitor: reclaimed orphaned room",
				zap.String("prefix", prefix), zap.String("code", code))
		}
	}

	for key := range j.emptySince {
		if !live[key] {
			delete(j.emptySince, key)
		}
	}
}
