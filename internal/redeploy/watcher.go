package redeploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

const defaultDebounce = 250 * time.Millisecond

type Config struct {
	Path     string        `envconfig:"DEPLOY_CONFIG_PATH,optional"`
	Debounce time.Duration `envconfig:"DEPLOY_CONFIG_DEBOUNCE,default=250ms"`
}

// Watcher publishes a redeploy request whenever the content of the deployment
// config changes. Touches and rewrites with the same bytes are ignored.
type Watcher struct {
	path     string
	nodeID   models.NodeID
	debounce time.Duration
	fsw      *fsnotify.Watcher
	digest   uint64
	out      chan<- models.AbnormalEvent
	log      zerolog.Logger
}

func NewWatcher(nodeID models.NodeID, cfg Config, out chan<- models.AbnormalEvent) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("bad config path %q: %w", cfg.Path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	// editors replace files by rename, so the directory is watched
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	w := &Watcher{
		path:     path,
		nodeID:   nodeID,
		debounce: cfg.Debounce,
		fsw:      fsw,
		out:      out,
		log:      log.With().Str("component", "redeploy-watcher").Str("path", path).Logger(),
	}
	w.digest, err = fileDigest(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Has(fsnotify.Chmod) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fs watcher error")
		case <-timer.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	digest, err := fileDigest(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		w.log.Warn().Msg("deployment config removed")
		return
	}
	if err != nil {
		w.log.Error().Err(err).Msg("failed to read deployment config")
		return
	}
	if digest == w.digest {
		w.log.Debug().Msg("deployment config touched without content change")
		return
	}
	w.log.Info().Msgf("deployment config changed: %016x -> %016x", w.digest, digest)
	w.digest = digest

	event := models.AbnormalEvent{
		Type:       models.RedeployRequested,
		NodeID:     w.nodeID,
		Detail:     strconv.FormatUint(digest, 16),
		DetectedAt: time.Now(),
	}
	select {
	case w.out <- event:
	case <-ctx.Done():
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func fileDigest(path string) (uint64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return xxhash.Sum64(content), nil
}
