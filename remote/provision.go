package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"
)

// Provisioner installs the git remote helper from the latest release and
// renders its config file.
type Provisioner struct {
	Fetcher *ReleaseFetcher
	// AssetPattern is a doublestar pattern matched against asset names.
	AssetPattern string
	// BinDir receives the helper binary; it is meant to be put on PATH.
	BinDir     string
	BinaryName string

	// ConfigTemplate is rendered with the scenario parameters into ConfigPath.
	ConfigTemplate string
	ConfigPath     string

	Client *http.Client
	Logger *slog.Logger
}

// BinaryPath returns where the helper is installed.
func (p *Provisioner) BinaryPath() string {
	return filepath.Join(p.BinDir, p.BinaryName)
}

// Ensure makes sure the newest helper is installed and the config is
// rendered. The release is downloaded only when its tag changed or the
// binary is missing. A failed download leaves the release cache untouched
// so the next call retries it.
func (p *Provisioner) Ensure(ctx context.Context, data any) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if p.Fetcher != nil {
		_, statErr := os.Stat(p.BinaryPath())
		missing := os.IsNotExist(statErr)

		lookup, err := p.Fetcher.Latest(ctx, missing)
		if err != nil {
			return fmt.Errorf("look up helper release: %w", err)
		}

		if lookup.Release != nil && (lookup.Changed || missing) {
			asset, err := p.pickAsset(lookup.Release)
			if err != nil {
				return err
			}
			if err := p.download(ctx, asset); err != nil {
				return err
			}
			logger.Info("Remote helper installed", "tag", lookup.Release.Tag, "asset", asset.Name, "path", p.BinaryPath())
		} else if missing {
			return fmt.Errorf("remote helper %s is missing and no release is available", p.BinaryPath())
		}
		// only an installed release becomes the cached one
		p.Fetcher.Record(lookup)
	}

	if p.ConfigTemplate != "" && p.ConfigPath != "" {
		if err := p.renderConfig(data); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) pickAsset(rel *Release) (Asset, error) {
	for _, a := range rel.Assets {
		ok, err := doublestar.Match(p.AssetPattern, a.Name)
		if err != nil {
			return Asset{}, fmt.Errorf("asset pattern %q: %w", p.AssetPattern, err)
		}
		if ok {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("release %s has no asset matching %q", rel.Tag, p.AssetPattern)
}

func (p *Provisioner) download(ctx context.Context, asset Asset) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", asset.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", asset.Name, resp.StatusCode)
	}

	if err := os.MkdirAll(p.BinDir, 0755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}

	// write beside the target and rename so a running helper is never torn
	tmp, err := os.CreateTemp(p.BinDir, "."+p.BinaryName+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", asset.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0755); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.BinaryPath())
}

func (p *Provisioner) renderConfig(data any) error {
	tmpl, err := template.New("helper").Option("missingkey=error").Parse(p.ConfigTemplate)
	if err != nil {
		return fmt.Errorf("parse helper config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render helper config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.ConfigPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(p.ConfigPath, buf.Bytes(), 0600)
}
