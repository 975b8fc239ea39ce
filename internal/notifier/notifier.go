// Package notifier implements a best-effort call to the media server's
// library-refresh endpoint after a successful materialization. The async,
// log-but-never-fail shape follows the postprocessor notifier pattern
// elsewhere in this codebase, here pointed at a plain Plex-style HTTP
// refresh endpoint instead of an rclone VFS refresh RPC.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/javi11/rarbridge/internal/config"
	"github.com/javi11/rarbridge/internal/httpclient"
)

// Notifier calls the configured media server's refresh endpoint. All calls
// are best-effort: failures are logged and never propagate back to the
// caller.
type Notifier struct {
	cfg    config.PlexConfig
	client *http.Client
	log    *slog.Logger
}

// New creates a Notifier. An empty cfg.Host disables notification entirely.
func New(cfg config.PlexConfig) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}
	return &Notifier{
		cfg:    cfg,
		client: httpclient.New(httpclient.WithTimeout(timeout)),
		log:    slog.Default().With("component", "library-notifier"),
	}
}

// Enabled reports whether a host is configured to notify.
func (n *Notifier) Enabled() bool {
	return n.cfg.Host != ""
}

// NotifyAsync fires the refresh sequence for libraryID in the background
// and returns immediately.
func (n *Notifier) NotifyAsync(ctx context.Context, libraryID string) {
	if !n.Enabled() {
		return
	}
	go n.notify(context.WithoutCancel(ctx), libraryID)
}

// notify performs the plain refresh, then — after ForceRefreshDelay — a
// second refresh with ?force=1.
func (n *Notifier) notify(ctx context.Context, libraryID string) {
	n.refresh(ctx, libraryID, false)

	delay := n.cfg.ForceRefreshDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	n.refresh(ctx, libraryID, true)
}

func (n *Notifier) refresh(ctx context.Context, libraryID string, force bool) {
	u, err := n.refreshURL(libraryID, force)
	if err != nil {
		n.log.Warn("failed to build refresh URL", "library_id", libraryID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		n.log.Warn("failed to build refresh request", "library_id", libraryID, "error", err)
		return
	}
	if n.cfg.Token != "" {
		req.Header.Set("X-Plex-Token", n.cfg.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("library refresh request failed", "library_id", libraryID, "force", force, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.log.Warn("library refresh rejected", "library_id", libraryID, "force", force, "status", resp.StatusCode)
		return
	}

	n.log.Info("library refresh notified", "library_id", libraryID, "force", force)
}

func (n *Notifier) refreshURL(libraryID string, force bool) (string, error) {
	path := n.cfg.RefreshPath
	if path == "" {
		path = "/library/sections/%s/refresh"
	}

	base, err := url.Parse(n.cfg.Host)
	if err != nil {
		return "", fmt.Errorf("notifier: invalid plex host %q: %w", n.cfg.Host, err)
	}
	base.Path = fmt.Sprintf(path, libraryID)

	if force {
		q := base.Query()
		q.Set("force", "1")
		base.RawQuery = q.Encode()
	}

	return base.String(), nil
}
