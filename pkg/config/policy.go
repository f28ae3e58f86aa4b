package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/payments"
)

// LoadDunningPolicy reads a dunning policy from a YAML file. Fields
// omitted in the file keep their default values.
func LoadDunningPolicy(path string) (payments.DunningPolicy, error) {
	policy := payments.DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read dunning policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse dunning policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("invalid dunning policy %s: %w", path, err)
	}

	return policy, nil
}

// WatchDunningPolicy hot-reloads the policy file into the holder until
// ctx is cancelled. A broken edit is logged and the previous policy
// stays in effect. The watch is on the directory because editors and
// configmap mounts replace the file instead of writing it in place.
func WatchDunningPolicy(ctx context.Context, path string, holder *payments.PolicyHolder, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				policy, err := LoadDunningPolicy(path)
				if err != nil {
					logger.WithError(err).Warn("dunning policy reload failed, keeping previous policy")
					continue
				}
				if err := holder.Set(policy); err != nil {
					logger.WithError(err).Warn("dunning policy rejected, keeping previous policy")
					continue
				}
				logger.WithField("path", path).
					WithField("max_retries", policy.MaxRetries).
					Info("dunning policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("policy watcher error")
			}
		}
	}()

	return nil
}
