package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/content"
	"github.com/c360studio/goshmon/remote"
	"github.com/c360studio/goshmon/runner"
)

// RemoteParams configure the git-over-gateway scenarios.
type RemoteParams struct {
	// Remote is the clone URL, e.g. gosh://network/dao/repo.
	Remote   string `yaml:"remote"`
	Branch   string `yaml:"branch"`
	Filename string `yaml:"filename"`
	Large    bool   `yaml:"large"`
	Digest   string `yaml:"digest"`
	// Timeout is the whole-scenario deadline in seconds.
	Timeout int `yaml:"timeout"`
	// WorkDir holds the clones; a temporary directory when empty.
	WorkDir string `yaml:"work_dir"`
	Git     string `yaml:"git"`

	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`

	HelperRepo       string `yaml:"helper_repo"`
	HelperAsset      string `yaml:"helper_asset"`
	HelperBinary     string `yaml:"helper_binary"`
	HelperDir        string `yaml:"helper_dir"`
	HelperCheckEvery int    `yaml:"helper_check_every"`
	HelperConfig     string `yaml:"helper_config"`
	HelperConfigPath string `yaml:"helper_config_path"`
	HelperConfigEnv  string `yaml:"helper_config_env"`
	GitHubToken      string `yaml:"github_token"`
}

type remoteHandler struct {
	deps   *Deps
	kind   Kind
	mode   string
	p      RemoteParams
	params config.Params

	started time.Time
	workDir string
	written int64
}

func newRemoteHandler(deps *Deps, kind Kind, mode string, params config.Params) (*remoteHandler, error) {
	p := RemoteParams{
		Branch:       "main",
		Timeout:      120,
		Git:          "git",
		AuthorName:   "goshmon",
		AuthorEmail:  "goshmon@localhost",
		HelperBinary: "git-remote-gosh",
		HelperAsset:  "*linux*amd64*",
	}
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Remote == "" || p.Filename == "" {
		return nil, fmt.Errorf("remote and filename are required for %s", kind)
	}
	if p.HelperRepo != "" && p.HelperDir == "" {
		return nil, fmt.Errorf("helper_dir is required with helper_repo")
	}
	return &remoteHandler{deps: deps, kind: kind, mode: mode, p: p, params: params}, nil
}

func (h *remoteHandler) Describe() string {
	return fmt.Sprintf("%s %s@%s:%s", h.kind, h.p.Remote, h.p.Branch, h.p.Filename)
}

func (h *remoteHandler) timeout() time.Duration {
	return time.Duration(h.p.Timeout) * time.Second
}

// budget is the remaining scenario time handed to the next subprocess.
func (h *remoteHandler) budget() time.Duration {
	return remote.Budget(h.started, h.timeout(), clock.Default(h.deps.Clock).Now())
}

func (h *remoteHandler) git(dir string) *remote.Git {
	g := &remote.Git{
		Binary: h.p.Git,
		Dir:    dir,
		Env: []string{
			"GIT_AUTHOR_NAME=" + h.p.AuthorName,
			"GIT_AUTHOR_EMAIL=" + h.p.AuthorEmail,
			"GIT_COMMITTER_NAME=" + h.p.AuthorName,
			"GIT_COMMITTER_EMAIL=" + h.p.AuthorEmail,
			"GIT_TERMINAL_PROMPT=0",
		},
		Logger: h.deps.logger(),
	}
	if h.p.HelperDir != "" {
		g.Env = append(g.Env, "PATH="+h.p.HelperDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	if h.p.HelperConfigEnv != "" && h.p.HelperConfigPath != "" {
		g.Env = append(g.Env, h.p.HelperConfigEnv+"="+h.p.HelperConfigPath)
	}
	return g
}

func (h *remoteHandler) Handle(ctx context.Context) (runner.Report, error) {
	var steps []runner.Step
	switch h.kind {
	case KindRemoteRead:
		steps = runner.Concat(h.prepareSteps(), []runner.Step{h.cloneStep("clone", "read"), h.readStep("read file", "read")})
	case KindRemoteWrite:
		steps = runner.Concat(h.prepareSteps(), h.writeSteps())
	default:
		return runner.Report{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(h.kind))
	}

	r := h.deps.newRunner(h.mode, slowThreshold(h.deps.Interval, h.timeout(), true), nil)
	rep := r.Run(ctx, steps)
	if h.workDir != "" && h.p.WorkDir == "" {
		os.RemoveAll(h.workDir)
	}
	return rep, nil
}

func (h *remoteHandler) prepareSteps() []runner.Step {
	steps := []runner.Step{
		runner.Note("start clock", func(ctx context.Context) {
			h.started = clock.Default(h.deps.Clock).Now()
			runner.Logf(ctx, "deadline in %s", h.timeout())
		}),
		runner.Do("prepare work dir", func(context.Context) error {
			if h.p.WorkDir != "" {
				h.workDir = h.p.WorkDir
				os.RemoveAll(filepath.Join(h.workDir, "read"))
				os.RemoveAll(filepath.Join(h.workDir, "write"))
				return os.MkdirAll(h.workDir, 0755)
			}
			dir, err := os.MkdirTemp("", "goshmon-"+h.mode+"-")
			h.workDir = dir
			return err
		}),
	}
	if h.p.HelperRepo == "" {
		return steps
	}

	prov := &remote.Provisioner{
		Fetcher: &remote.ReleaseFetcher{
			Client:     h.deps.HTTPClient,
			Repo:       h.p.HelperRepo,
			Token:      h.p.GitHubToken,
			CacheDir:   filepath.Join(h.p.HelperDir, ".release"),
			CheckEvery: time.Duration(h.p.HelperCheckEvery) * time.Second,
			Clock:      h.deps.Clock,
			Logger:     h.deps.logger(),
		},
		AssetPattern:   h.p.HelperAsset,
		BinDir:         h.p.HelperDir,
		BinaryName:     h.p.HelperBinary,
		ConfigTemplate: h.p.HelperConfig,
		ConfigPath:     h.p.HelperConfigPath,
		Client:         h.deps.HTTPClient,
		Logger:         h.deps.logger(),
	}
	return append(steps, runner.Do("provision helper", func(ctx context.Context) error {
		return prov.Ensure(ctx, map[string]any(h.params))
	}))
}

func (h *remoteHandler) cloneStep(name, sub string) runner.Step {
	return runner.Do(name, func(ctx context.Context) error {
		return h.git("").Clone(ctx, h.budget(), h.p.Remote, filepath.Join(h.workDir, sub), h.p.Branch)
	})
}

func (h *remoteHandler) readStep(name, sub string) runner.Step {
	return runner.Finish(name, func(ctx context.Context) (float64, error) {
		data, err := os.ReadFile(filepath.Join(h.workDir, sub, h.p.Filename))
		if err != nil {
			return 0, err
		}
		ts, err := content.Process(string(data), content.Options{Large: h.p.Large, Digest: content.Digest(h.p.Digest)})
		if err != nil {
			return 0, err
		}
		if h.written != 0 && ts != h.written {
			return 0, content.Mismatch("written timestamp", fmt.Sprint(h.written), fmt.Sprint(ts))
		}
		return float64(ts), nil
	})
}

func (h *remoteHandler) writeSteps() []runner.Step {
	dir := func() string { return filepath.Join(h.workDir, "write") }
	return []runner.Step{
		h.cloneStep("clone", "write"),
		runner.Do("write file", func(context.Context) error {
			h.written = clock.Seconds(clock.Default(h.deps.Clock).Now())
			payload, err := content.Prepare(h.written, content.Options{Large: h.p.Large, Digest: content.Digest(h.p.Digest)})
			if err != nil {
				return err
			}
			path := filepath.Join(dir(), h.p.Filename)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			return os.WriteFile(path, []byte(payload+"\n"), 0644)
		}),
		runner.Do("commit", func(ctx context.Context) error {
			g := h.git(dir())
			if _, err := g.Run(ctx, h.budget(), "add", "--", h.p.Filename); err != nil {
				return err
			}
			_, err := g.Run(ctx, h.budget(), "commit", "-m", fmt.Sprintf("goshmon %s %d", h.mode, h.written))
			return err
		}),
		runner.Do("push", func(ctx context.Context) error {
			out, err := h.git(dir()).Run(ctx, h.budget(), "push", "origin", "HEAD:"+h.p.Branch)
			if err == nil {
				runner.Logf(ctx, "push: %s", strings.TrimSpace(out))
			}
			return err
		}),
		h.cloneStep("clone again", "read"),
		h.readStep("read back", "read"),
	}
}
