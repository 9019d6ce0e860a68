package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write bursts editors and atomic-rename
// saves produce into a single reload.
const reloadDebounce = 300 * time.Millisecond

// ReloadHandler is notified with the set of top-level config prefixes
// whose values changed (e.g. "channels.telegram", "agent", "gateway").
// Channel adapters register the prefixes that should hot-restart them.
type ReloadHandler func(changedPrefixes []string)

// Watch monitors the config file and hot-reloads cfg in place when it
// changes, invoking handler with the changed prefixes. Blocks until ctx is
// done.
func Watch(ctx context.Context, path string, cfg *Config, handler ReloadHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file, which drops a
	// watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-fire:
			reload(path, cfg, handler)
		}
	}
}

func reload(path string, cfg *Config, handler ReloadHandler) {
	fresh, err := Load(path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "error", err)
		return
	}

	changed := diffPrefixes(cfg, fresh)
	if len(changed) == 0 {
		return
	}

	cfg.ReplaceFrom(fresh)
	slog.Info("config reloaded", "changed", changed)
	if handler != nil {
		handler(changed)
	}
}

// diffPrefixes compares two configs section by section and returns dotted
// prefixes for the parts that differ. Channel diffs descend one level so a
// telegram token change restarts only telegram.
func diffPrefixes(old, fresh *Config) []string {
	var changed []string

	add := func(prefix string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, prefix)
		}
	}

	add("agent", old.Agent, fresh.Agent)
	add("providers", old.Providers, fresh.Providers)
	add("gateway", old.Gateway, fresh.Gateway)
	add("sessions", old.Sessions, fresh.Sessions)
	add("messages", old.Messages, fresh.Messages)
	add("skills", old.Skills, fresh.Skills)
	add("database", old.Database, fresh.Database)
	add("cron", old.Cron, fresh.Cron)
	add("tailscale", old.Tailscale, fresh.Tailscale)

	add("channels.telegram", old.Channels.Telegram, fresh.Channels.Telegram)
	add("channels.discord", old.Channels.Discord, fresh.Channels.Discord)
	add("channels.slack", old.Channels.Slack, fresh.Channels.Slack)
	add("channels.whatsapp", old.Channels.WhatsApp, fresh.Channels.WhatsApp)
	add("channels.signal", old.Channels.Signal, fresh.Channels.Signal)
	add("channels.imessage", old.Channels.IMessage, fresh.Channels.IMessage)
	add("channels.webchat", old.Channels.Webchat, fresh.Channels.Webchat)

	return changed
}

// PrefixesMatch reports whether any changed prefix falls under one of the
// registered prefixes (exact or parent match).
func PrefixesMatch(changed, registered []string) bool {
	for _, c := range changed {
		for _, r := range registered {
			if c == r || strings.HasPrefix(c, r+".") || strings.HasPrefix(r, c+".") {
				return true
			}
		}
	}
	return false
}
