package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// pricingOverrideFile is the yaml shape for operator-supplied rate updates:
//
//	models:
//	  gpt-4o:
//	    input: 2.5
//	    cached_input: 1.25
//	    output: 10
//	    updated_at: "2025-08-01"
type pricingOverrideFile struct {
	Models map[string]pricingOverride `yaml:"models"`
}

type pricingOverride struct {
	Input       float64 `yaml:"input"`
	CachedInput float64 `yaml:"cached_input"`
	Output      float64 `yaml:"output"`
	UpdatedAt   string  `yaml:"updated_at"`
}

// LoadPricingOverrides merges rates from a yaml file over the built-in
// pricing table. Unknown models are added rather than rejected so operators
// can price self-hosted models.
func (r *Registry) LoadPricingOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing overrides: %w", err)
	}

	var file pricingOverrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pricing overrides: %w", err)
	}

	r.mu.Lock()
	for model, p := range file.Models {
		r.pricing[strings.ToLower(model)] = Pricing{
			Input:       p.Input,
			CachedInput: p.CachedInput,
			Output:      p.Output,
			UpdatedAt:   p.UpdatedAt,
		}
	}
	r.mu.Unlock()

	slog.Info("loaded pricing overrides", "path", path, "models", len(file.Models))
	return nil
}

// WatchPricingOverrides reloads the override file whenever it changes.
// It returns a stop function. The initial load error is returned; reload
// errors are logged and the previous table stays in effect.
func (r *Registry) WatchPricingOverrides(path string) (func(), error) {
	if err := r.LoadPricingOverrides(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops the
	// watch when it points at the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadPricingOverrides(path); err != nil {
					slog.Warn("pricing override reload failed", "path", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("pricing override watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
