// Package provision makes sure a model's files are on disk before it runs.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	getter "github.com/hashicorp/go-getter"

	"salharness/internal/catalog"
)

// MissingFilesError lists the model files that are still absent.
type MissingFilesError struct {
	Model string
	Files []string
	Err   error
}

func (e *MissingFilesError) Error() string {
	msg := fmt.Sprintf("model %s is missing files: %s", e.Model, strings.Join(e.Files, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingFilesError) Unwrap() error { return e.Err }

// FetchFunc retrieves src into the directory dst.
type FetchFunc func(ctx context.Context, src, dst string) error

// Provisioner downloads model bundles on demand.
type Provisioner struct {
	// BaseURL is the bundle root; "<name>/model.zip" is appended. Empty
	// disables downloads.
	BaseURL string
	Fetch   FetchFunc
	Logger  *slog.Logger
}

// New returns a Provisioner fetching through go-getter.
func New(baseURL string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{BaseURL: baseURL, Fetch: GetterFetch, Logger: logger}
}

// GetterFetch downloads src with go-getter, unpacking archives into dst.
func GetterFetch(ctx context.Context, src, dst string) error {
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Mode: getter.ClientModeDir,
	}
	return client.Get()
}

// Missing returns the declared files of m that do not exist.
func Missing(m *catalog.Model) []string {
	var missing []string
	for _, f := range m.Files {
		if _, err := os.Stat(filepath.Join(m.ModelDir(), f)); err != nil {
			missing = append(missing, f)
		}
	}
	return missing
}

// BundleURL is where the bundle for m is fetched from.
func (p *Provisioner) BundleURL(m *catalog.Model) string {
	return strings.TrimSuffix(p.BaseURL, "/") + "/" + m.Name + "/model.zip"
}

// Ensure downloads the bundle of m when any declared file is missing and
// returns *MissingFilesError if files are still absent afterwards.
func (p *Provisioner) Ensure(ctx context.Context, m *catalog.Model) error {
	missing := Missing(m)
	if len(missing) == 0 {
		return nil
	}
	if p.BaseURL == "" || p.Fetch == nil {
		return &MissingFilesError{Model: m.Name, Files: missing}
	}

	url := p.BundleURL(m)
	p.Logger.Info("downloading model files", "model", m.Name, "url", url, "files", missing)
	if err := os.MkdirAll(m.ModelDir(), 0o755); err != nil {
		return err
	}
	if err := p.Fetch(ctx, url, m.ModelDir()); err != nil {
		return &MissingFilesError{Model: m.Name, Files: missing, Err: err}
	}

	if missing = Missing(m); len(missing) > 0 {
		return &MissingFilesError{Model: m.Name, Files: missing}
	}
	return nil
}

// Remove deletes the declared files of m.
func Remove(m *catalog.Model) error {
	for _, f := range m.Files {
		err := os.Remove(filepath.Join(m.ModelDir(), f))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
