package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// watchFeedURL returns the websocket endpoint a cloud backend polls for
// change notifications on path. Remotes that support push notifications
// expose one channel per watched path; this mirrors the teacher's optional
// SyncConfig.Websocket toggle (internal/config/config.go) generalized from
// a single drive to an arbitrary cloud tag.
func (c *Cloud) watchFeedURL(path string) string {
	return c.baseURL + "/watch" + path
}

// cloudWatch tracks one active websocket subscription.
type cloudWatch struct {
	cancel   context.CancelFunc
	debounce *time.Timer
}

// Watch subscribes to change notifications for path over a websocket
// connection, debouncing bursts into a single cb call exactly like the
// local backend's fsnotify watch (§5, §8 property 6). Connection drops are
// retried with the same backoff schedule used for Load/Save.
func (c *Cloud) Watch(path string, cb ChangeFunc) error {
	c.watchMu.Lock()
	if c.watches == nil {
		c.watches = make(map[string]*cloudWatch)
	}

	if _, exists := c.watches[path]; exists {
		c.watchMu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.watches[path] = &cloudWatch{cancel: cancel}
	c.watchMu.Unlock()

	go c.watchLoop(ctx, path, cb)

	return nil
}

// Unwatch tears down the websocket subscription for path.
func (c *Cloud) Unwatch(path string) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	w, exists := c.watches[path]
	if !exists {
		return nil
	}

	w.cancel()
	delete(c.watches, path)

	return nil
}

func (c *Cloud) watchLoop(ctx context.Context, path string, cb ChangeFunc) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, c.watchFeedURL(path), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			backoff := c.calcBackoff(attempt)
			attempt++

			c.logger.Warn("backend: watch connect failed, retrying",
				slog.String("backend", c.tag), slog.String("path", path), slog.Duration("backoff", backoff))

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return
			}

			continue
		}

		attempt = 0
		c.readChanges(ctx, conn, path, cb)
	}
}

func (c *Cloud) readChanges(ctx context.Context, conn *websocket.Conn, path string, cb ChangeFunc) {
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}

		c.scheduleWatchDebounce(path, cb)
	}
}

func (c *Cloud) scheduleWatchDebounce(path string, cb ChangeFunc) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	w, ok := c.watches[path]
	if !ok {
		return
	}

	if w.debounce != nil {
		w.debounce.Stop()
	}

	w.debounce = time.AfterFunc(c.watchDebounce, func() {
		cb(path)
	})
}
