package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"naive-pay/client/internal/log"
)

const defaultWatchInterval = time.Second

// TokenWatcher calls check whenever the stored token may have changed. Two signals feed
// it: file notifications on the tab-store directory and a low-frequency poll, which also
// covers filesystems where notifications are unavailable.
type TokenWatcher struct {
	dir      string
	key      string
	clock    clockwork.Clock
	interval time.Duration
	check    func(ctx context.Context)
	logger   zerolog.Logger
}

// NewTokenWatcher returns a watcher for key inside dir. An empty dir disables file
// notifications and leaves only the poll.
func NewTokenWatcher(dir, key string, clock clockwork.Clock, interval time.Duration, check func(ctx context.Context)) *TokenWatcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &TokenWatcher{
		dir:      dir,
		key:      key,
		clock:    clock,
		interval: interval,
		check:    check,
		logger:   log.Component("token-watcher"),
	}
}

// Run blocks until ctx is done.
func (w *TokenWatcher) Run(ctx context.Context) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.dir != "" {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn().Err(err).Msg("token-watcher: file notifications unavailable, polling only")
		} else {
			defer fw.Close()
			if err := fw.Add(w.dir); err != nil {
				w.logger.Warn().Err(err).Str("dir", w.dir).Msg("token-watcher: failed to watch tab store, polling only")
			} else {
				events, errs = fw.Events, fw.Errors
			}
		}
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(evt.Name) == w.key {
				w.logger.Debug().Str("op", evt.Op.String()).Msg("token-watcher: token file changed")
				w.check(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn().Err(err).Msg("token-watcher: file notification error")
		case <-ticker.Chan():
			w.check(ctx)
		}
	}
}
