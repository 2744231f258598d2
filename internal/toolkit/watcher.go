package toolkit

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the tool-registry config file and merges newly listed
// tools into the registry while the server runs.
type Watcher struct {
	kit         *ToolKit
	configPath  string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(kit *ToolKit, path string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		kit:        kit,
		configPath: path,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
	}

	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching the config file's directory. Falls back to polling
// when the directory cannot be watched.
func (w *Watcher) Start() {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch toolkit config directory, falling back to polling")
		go w.pollForChanges()
		return
	}

	go w.watchForChanges()
	log.Info().Str("path", w.configPath).Msg("Started watching toolkit config for changes")
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.configPath) && event.Name != w.configPath {
				continue
			}

			// Debounce - wait a bit for the write to complete
			time.Sleep(100 * time.Millisecond)

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Info().Str("event", event.Op.String()).Msg("Detected toolkit config change")
				w.merge()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Toolkit watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.configPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				log.Info().Msg("Detected toolkit config change via polling")
				w.lastModTime = stat.ModTime()
				w.merge()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) merge() {
	added, err := w.kit.MergeFile(w.configPath)
	if err != nil {
		log.Error().Err(err).Str("path", w.configPath).Msg("Failed to reload toolkit config")
		return
	}
	if added > 0 {
		log.Info().Int("added", added).Int("total", w.kit.Len()).Msg("Toolkit config reloaded")
	}
}
