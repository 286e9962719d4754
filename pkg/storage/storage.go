// Package storage persists report artifacts. Client is the external
// collaborator contract — save(name, bytes) -> void|error; LocalClient
// is the bundled implementation that writes to a run-scoped directory
// on local disk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Client saves a named artifact's bytes, taking ownership of them once
// Save returns successfully.
type Client interface {
	Save(name string, data []byte) error
}

// LocalClient writes artifacts atomically into Dir: each Save writes to
// a temp file in the same directory, then os.Rename's it into place,
// retrying transient failures with bounded exponential backoff.
type LocalClient struct {
	dir            string
	maxElapsedTime time.Duration
	logger         zerolog.Logger
}

// Config controls LocalClient construction.
type Config struct {
	Dir string
	// MaxElapsedTime bounds how long Save retries a failing write before
	// giving up. Defaults to 10s.
	MaxElapsedTime time.Duration
	Logger         zerolog.Logger
}

// NewLocalClient creates Dir if it does not already exist and returns a
// LocalClient rooted there.
func NewLocalClient(cfg Config) (*LocalClient, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("storage: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating run directory: %w", err)
	}
	maxElapsed := cfg.MaxElapsedTime
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	return &LocalClient{dir: cfg.Dir, maxElapsedTime: maxElapsed, logger: cfg.Logger}, nil
}

// Save atomically writes data under name within the client's run
// directory. A transient failure (e.g. a momentarily full disk) is
// retried with bounded exponential backoff; a persistent failure is
// returned to the caller, who logs and continues so other artifacts
// still save (§7).
func (c *LocalClient) Save(name string, data []byte) error {
	dest := filepath.Join(c.dir, name)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsedTime

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := writeAtomic(dest, data); err != nil {
			c.logger.Warn().Err(err).Str("artifact", name).Int("attempt", attempt).Msg("artifact write failed, retrying")
			return err
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("storage: saving %q: %w", name, err)
	}
	return nil
}

func writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
