package handler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/content"
	"github.com/c360studio/goshmon/driver"
	"github.com/c360studio/goshmon/runner"
)

// Sequence markers of the canonical UI scenario.
const (
	markSignedIn = "signed-in"
	markAtFile   = "at-file"
)

// Selectors locate elements of the web application. Entries containing %s
// are formatted with an object name.
type Selectors struct {
	SeedInput    string `yaml:"seed_input"`
	SignInSubmit string `yaml:"signin_submit"`
	SignedIn     string `yaml:"signed_in"`

	FileContent  string `yaml:"file_content"`
	EditContent  string `yaml:"edit_content"`
	CommitSubmit string `yaml:"commit_submit"`
	Dialog       string `yaml:"dialog"`

	OrgItem      string `yaml:"org_item"`
	OrgName      string `yaml:"org_name"`
	OrgCreate    string `yaml:"org_create"`
	RepoItem     string `yaml:"repo_item"`
	RepoName     string `yaml:"repo_name"`
	RepoCreate   string `yaml:"repo_create"`
	BranchItem   string `yaml:"branch_item"`
	BranchDelete string `yaml:"branch_delete"`
	BranchName   string `yaml:"branch_name"`
	BranchFrom   string `yaml:"branch_from"`
	BranchCreate string `yaml:"branch_create"`
	FileItem     string `yaml:"file_item"`

	RevealSeed  string `yaml:"reveal_seed"`
	SeedPhrase  string `yaml:"seed_phrase"`
	// CopySeed, when set, is clicked and the phrase read from the clipboard.
	CopySeed    string `yaml:"copy_seed"`
	RootAddress string `yaml:"root_address"`
}

// Paths are the application routes. {org}, {repo}, {branch} and {file}
// are replaced with the escaped target coordinates.
type Paths struct {
	SignIn   string `yaml:"signin"`
	Orgs     string `yaml:"orgs"`
	Org      string `yaml:"org"`
	Branches string `yaml:"branches"`
	Tree     string `yaml:"tree"`
	File     string `yaml:"file"`
	Edit     string `yaml:"edit"`
	Settings string `yaml:"settings"`
	Root     string `yaml:"root"`
}

// DefaultSelectors match the stock web application layout.
func DefaultSelectors() Selectors {
	return Selectors{
		SeedInput:    "form#signin input[name=phrase]",
		SignInSubmit: "form#signin button[type=submit]",
		SignedIn:     "#signed-in",
		FileContent:  "#file-content",
		EditContent:  "form#commit textarea[name=content]",
		CommitSubmit: "form#commit button[type=submit]",
		Dialog:       "[role=alert]",
		OrgItem:      `li.org[data-name="%s"]`,
		OrgName:      "form#create-org input[name=name]",
		OrgCreate:    "form#create-org button[type=submit]",
		RepoItem:     `li.repo[data-name="%s"]`,
		RepoName:     "form#create-repo input[name=name]",
		RepoCreate:   "form#create-repo button[type=submit]",
		BranchItem:   `li.branch[data-name="%s"]`,
		BranchDelete: `li.branch[data-name="%s"] button.delete`,
		BranchName:   "form#create-branch input[name=name]",
		BranchFrom:   "form#create-branch input[name=from]",
		BranchCreate: "form#create-branch button[type=submit]",
		FileItem:     `li.file[data-name="%s"]`,
		RevealSeed:   "#reveal-seed",
		SeedPhrase:   "#seed-phrase",
		CopySeed:     "#copy-seed",
		RootAddress:  "#root-address",
	}
}

// DefaultPaths match the stock web application routes.
func DefaultPaths() Paths {
	return Paths{
		SignIn:   "/account/signin",
		Orgs:     "/account/orgs",
		Org:      "/o/{org}",
		Branches: "/o/{org}/r/{repo}/branches",
		Tree:     "/o/{org}/r/{repo}/tree/{branch}",
		File:     "/o/{org}/r/{repo}/blobs/view/{branch}/{file}",
		Edit:     "/o/{org}/r/{repo}/blobs/update/{branch}/{file}",
		Settings: "/account/settings",
		Root:     "/",
	}
}

// AppParams configure the web application scenarios.
type AppParams struct {
	URL          string   `yaml:"url"`
	Seed         string   `yaml:"seed"`
	Organization string   `yaml:"organization"`
	Repository   string   `yaml:"repository"`
	Branch       string   `yaml:"branch"`
	Origin       string   `yaml:"origin"`
	Filename     string   `yaml:"filename"`
	AuxBranches  []string `yaml:"aux_branches"`
	Large        bool     `yaml:"large"`
	Digest       string   `yaml:"digest"`
	// Timeout is the per-action timeout in seconds.
	Timeout   int    `yaml:"timeout"`
	UserAgent string `yaml:"user_agent"`
	// Root is the full identifier the landing page shows shortened.
	Root string `yaml:"root"`
	// DialogOK is the only dialog text accepted after a commit.
	DialogOK string `yaml:"dialog_ok"`

	Selectors Selectors `yaml:"selectors"`
	Paths     Paths     `yaml:"paths"`
}

func decodeAppParams(params config.Params) (AppParams, error) {
	p := AppParams{
		Branch:    "main",
		Origin:    "main",
		Timeout:   int(driver.DefaultTimeout / time.Second),
		Selectors: DefaultSelectors(),
		Paths:     DefaultPaths(),
	}
	if err := params.Decode(&p); err != nil {
		return p, err
	}
	if p.URL == "" {
		return p, fmt.Errorf("url is required")
	}
	return p, nil
}

// appState is shared by the steps of one run.
type appState struct {
	written int64

	orgExists    bool
	repoExists   bool
	branchExists bool
	fileExists   bool
	auxExists    map[string]bool
	created      int
}

type appHandler struct {
	deps    *Deps
	kind    Kind
	mode    string
	p       AppParams
	session *driver.Session
	st      appState
}

func newAppHandler(deps *Deps, kind Kind, mode string, params config.Params) (*appHandler, error) {
	p, err := decodeAppParams(params)
	if err != nil {
		return nil, err
	}
	needs := map[Kind][]string{
		KindRead:   {"organization", "repository", "filename"},
		KindWrite:  {"organization", "repository", "filename", "seed"},
		KindRotate: {"organization", "repository", "filename", "seed"},
		KindSetup:  {"organization", "repository", "filename", "seed"},
		KindSeed:   {"seed"},
		KindRoot:   {"root"},
	}
	for _, key := range needs[kind] {
		if params.String(key) == "" {
			return nil, fmt.Errorf("%s is required for %s", key, kind)
		}
	}

	return &appHandler{
		deps: deps,
		kind: kind,
		mode: mode,
		p:    p,
		session: &driver.Session{
			Launcher: deps.Launcher,
			Options: driver.Options{
				BaseURL:   p.URL,
				Timeout:   time.Duration(p.Timeout) * time.Second,
				UserAgent: p.UserAgent,
			},
		},
		st: appState{auxExists: make(map[string]bool)},
	}, nil
}

func (h *appHandler) Describe() string {
	switch h.kind {
	case KindSeed, KindRoot:
		return fmt.Sprintf("%s %s", h.kind, h.p.URL)
	}
	return fmt.Sprintf("%s %s/%s@%s:%s", h.kind, h.p.Organization, h.p.Repository, h.p.Branch, h.p.Filename)
}

func (h *appHandler) Handle(ctx context.Context) (runner.Report, error) {
	var steps []runner.Step
	switch h.kind {
	case KindRead:
		steps = h.readSteps()
	case KindWrite:
		steps = h.writeSteps()
	case KindRotate:
		steps = h.rotateSteps()
	case KindSetup:
		steps = h.setupSteps()
	case KindSeed:
		steps = h.seedSteps()
	case KindRoot:
		steps = h.rootSteps()
	default:
		return runner.Report{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(h.kind))
	}

	r := h.deps.newRunner(h.mode, slowThreshold(h.deps.Interval, 0, false), h.session)
	return r.Run(ctx, steps), nil
}

func (h *appHandler) page() driver.Page {
	return h.session.Page()
}

func (h *appHandler) path(pattern, branch string) string {
	return strings.NewReplacer(
		"{org}", url.PathEscape(h.p.Organization),
		"{repo}", url.PathEscape(h.p.Repository),
		"{branch}", url.PathEscape(branch),
		"{file}", url.PathEscape(h.p.Filename),
	).Replace(pattern)
}

func (h *appHandler) digest() content.Digest {
	return content.Digest(h.p.Digest)
}

func (h *appHandler) goTo(name, pattern, branch string) runner.Step {
	return runner.Do(name, func(ctx context.Context) error {
		return h.page().Goto(ctx, h.path(pattern, branch))
	})
}

func (h *appHandler) exists(name, selector string, set func(bool)) runner.Step {
	return runner.Do(name, func(ctx context.Context) error {
		n, err := h.page().Count(ctx, selector)
		if err != nil {
			return err
		}
		set(n > 0)
		runner.Logf(ctx, "%s: %d found", name, n)
		return nil
	})
}

// canonical is open, sign in, navigate to the file, read and validate it.
func (h *appHandler) canonical() []runner.Step {
	sel := h.p.Selectors
	return []runner.Step{
		runner.Do("open browser", func(ctx context.Context) error {
			page, err := h.session.Open(ctx)
			if err != nil {
				return err
			}
			return page.Goto(ctx, h.p.URL)
		}),
		h.goTo("open sign in", h.p.Paths.SignIn, ""),
		runner.Do("enter seed", func(ctx context.Context) error {
			return h.page().Type(ctx, sel.SeedInput, h.p.Seed)
		}),
		runner.Do("sign in", func(ctx context.Context) error {
			if err := h.page().Click(ctx, sel.SignInSubmit); err != nil {
				return err
			}
			return h.page().WaitFor(ctx, sel.SignedIn)
		}),
		runner.Mark(markSignedIn),
		h.goTo("open file", h.p.Paths.File, h.p.Branch),
		runner.Do("wait for file", func(ctx context.Context) error {
			return h.page().WaitFor(ctx, sel.FileContent)
		}),
		runner.Mark(markAtFile),
		h.readBack("read file"),
	}
}

// readBack validates the file shown on the page. When a write happened in
// this run the timestamp must match it.
func (h *appHandler) readBack(name string) runner.Step {
	return runner.Finish(name, func(ctx context.Context) (float64, error) {
		text, err := h.page().Text(ctx, h.p.Selectors.FileContent)
		if err != nil {
			return 0, err
		}
		ts, err := content.Process(text, content.Options{Large: h.p.Large, Digest: h.digest()})
		if err != nil {
			return 0, err
		}
		if h.st.written != 0 && ts != h.st.written {
			return 0, content.Mismatch("written timestamp", fmt.Sprint(h.st.written), fmt.Sprint(ts))
		}
		return float64(ts), nil
	})
}

func (h *appHandler) readSteps() []runner.Step {
	// a read needs no session when the repository is public
	steps := h.canonical()
	if h.p.Seed == "" {
		return runner.Concat(steps[:1], runner.From(steps, markSignedIn))
	}
	return steps
}

func (h *appHandler) commitSteps(branch string) []runner.Step {
	sel := h.p.Selectors
	return []runner.Step{
		h.goTo("open editor", h.p.Paths.Edit, branch),
		runner.Do("type content", func(ctx context.Context) error {
			h.st.written = clock.Seconds(clock.Default(h.deps.Clock).Now())
			payload, err := content.Prepare(h.st.written, content.Options{Large: h.p.Large, Digest: h.digest()})
			if err != nil {
				return err
			}
			return h.page().Type(ctx, sel.EditContent, payload)
		}),
		runner.Do("commit", func(ctx context.Context) error {
			return h.page().Click(ctx, sel.CommitSubmit)
		}),
		runner.Do("confirm commit", func(ctx context.Context) error {
			n, err := h.page().Count(ctx, sel.Dialog)
			if err != nil || n == 0 {
				return err
			}
			text, err := h.page().Text(ctx, sel.Dialog)
			if err != nil {
				return err
			}
			if text != h.p.DialogOK {
				return content.Mismatch("dialog message", h.p.DialogOK, text)
			}
			return nil
		}),
	}
}

func (h *appHandler) writeSteps() []runner.Step {
	return runner.Concat(
		runner.UpTo(h.canonical(), markSignedIn),
		h.commitSteps(h.p.Branch),
		runner.From(h.canonical(), markSignedIn),
	)
}

func (h *appHandler) rotateSteps() []runner.Step {
	sel := h.p.Selectors
	branch := h.p.Branch
	branchExists := func(context.Context) (bool, error) { return h.st.branchExists, nil }

	return runner.Concat(
		runner.UpTo(h.canonical(), markSignedIn),
		[]runner.Step{
			h.goTo("open branches", h.p.Paths.Branches, ""),
			h.exists("find branch", fmt.Sprintf(sel.BranchItem, branch), func(b bool) { h.st.branchExists = b }),
		},
		runner.IfTrue("branch exists", branchExists, []runner.Step{
			runner.Do("delete branch", func(ctx context.Context) error {
				return h.page().Click(ctx, fmt.Sprintf(sel.BranchDelete, branch))
			}),
			runner.Do("confirm deleted", func(ctx context.Context) error {
				n, err := h.page().Count(ctx, fmt.Sprintf(sel.BranchItem, branch))
				if err != nil {
					return err
				}
				if n > 0 {
					return fmt.Errorf("branch %s still listed after delete", branch)
				}
				return nil
			}),
		}),
		h.createBranchSteps(branch),
		h.commitSteps(branch),
		runner.From(h.canonical(), markSignedIn),
	)
}

func (h *appHandler) createBranchSteps(branch string) []runner.Step {
	sel := h.p.Selectors
	return []runner.Step{
		runner.Do("name branch "+branch, func(ctx context.Context) error {
			if err := h.page().Type(ctx, sel.BranchName, branch); err != nil {
				return err
			}
			return h.page().Type(ctx, sel.BranchFrom, h.p.Origin)
		}),
		runner.Do("create branch "+branch, func(ctx context.Context) error {
			if err := h.page().Click(ctx, sel.BranchCreate); err != nil {
				return err
			}
			return h.page().WaitFor(ctx, fmt.Sprintf(sel.BranchItem, branch))
		}),
	}
}

func (h *appHandler) created(name string) runner.Step {
	return runner.Note("count "+name, func(ctx context.Context) {
		h.st.created++
		runner.Logf(ctx, "created %s", name)
	})
}

func (h *appHandler) setupSteps() []runner.Step {
	sel := h.p.Selectors
	p := h.p
	is := func(flag *bool) runner.Predicate {
		return func(context.Context) (bool, error) { return *flag, nil }
	}

	steps := runner.Concat(
		runner.UpTo(h.canonical(), markSignedIn),

		[]runner.Step{
			h.goTo("open organizations", p.Paths.Orgs, ""),
			h.exists("find organization", fmt.Sprintf(sel.OrgItem, p.Organization), func(b bool) { h.st.orgExists = b }),
		},
		runner.IfFalse("organization exists", is(&h.st.orgExists), []runner.Step{
			runner.Do("create organization", func(ctx context.Context) error {
				if err := h.page().Type(ctx, sel.OrgName, p.Organization); err != nil {
					return err
				}
				if err := h.page().Click(ctx, sel.OrgCreate); err != nil {
					return err
				}
				return h.page().WaitFor(ctx, fmt.Sprintf(sel.OrgItem, p.Organization))
			}),
			h.created("organization"),
		}),

		[]runner.Step{
			h.goTo("open organization", p.Paths.Org, ""),
			h.exists("find repository", fmt.Sprintf(sel.RepoItem, p.Repository), func(b bool) { h.st.repoExists = b }),
		},
		runner.IfFalse("repository exists", is(&h.st.repoExists), []runner.Step{
			runner.Do("create repository", func(ctx context.Context) error {
				if err := h.page().Type(ctx, sel.RepoName, p.Repository); err != nil {
					return err
				}
				if err := h.page().Click(ctx, sel.RepoCreate); err != nil {
					return err
				}
				return h.page().WaitFor(ctx, fmt.Sprintf(sel.RepoItem, p.Repository))
			}),
			h.created("repository"),
		}),

		h.ensureBranch(p.Branch),

		[]runner.Step{
			h.goTo("open tree", p.Paths.Tree, p.Branch),
			h.exists("find file", fmt.Sprintf(sel.FileItem, p.Filename), func(b bool) { h.st.fileExists = b }),
		},
		runner.IfFalse("file exists", is(&h.st.fileExists), runner.Concat(
			h.commitSteps(p.Branch),
			[]runner.Step{h.created("file")},
		)),

		runner.ForEach(p.AuxBranches, h.ensureBranch),
	)

	return append(steps, runner.Finish("setup complete", func(ctx context.Context) (float64, error) {
		runner.Logf(ctx, "setup created %d objects", h.st.created)
		return float64(h.st.created), nil
	}))
}

func (h *appHandler) ensureBranch(branch string) []runner.Step {
	sel := h.p.Selectors
	exists := func(context.Context) (bool, error) { return h.st.auxExists[branch], nil }

	return runner.Concat(
		[]runner.Step{
			h.goTo("open branches", h.p.Paths.Branches, ""),
			h.exists("find branch "+branch, fmt.Sprintf(sel.BranchItem, branch), func(b bool) { h.st.auxExists[branch] = b }),
		},
		runner.IfFalse("branch "+branch+" exists", exists, runner.Concat(
			h.createBranchSteps(branch),
			[]runner.Step{h.created("branch " + branch)},
		)),
	)
}

func (h *appHandler) seedSteps() []runner.Step {
	sel := h.p.Selectors
	return runner.Concat(
		runner.UpTo(h.canonical(), markSignedIn),
		[]runner.Step{
			h.goTo("open settings", h.p.Paths.Settings, ""),
			runner.Do("reveal seed", func(ctx context.Context) error {
				return h.page().Click(ctx, sel.RevealSeed)
			}),
			runner.Finish("compare seed", func(ctx context.Context) (float64, error) {
				shown, err := h.revealedSeed(ctx)
				if err != nil {
					return 0, err
				}
				if strings.Join(strings.Fields(shown), " ") != strings.Join(strings.Fields(h.p.Seed), " ") {
					// never echo the secret into logs or dumps
					return 0, content.Mismatch("seed phrase", "<configured seed>", fmt.Sprintf("<%d words>", len(strings.Fields(shown))))
				}
				return 1, nil
			}),
		},
	)
}

// revealedSeed reads the phrase on the settings page, through the copy
// button and the clipboard when one is configured.
func (h *appHandler) revealedSeed(ctx context.Context) (string, error) {
	sel := h.p.Selectors
	if err := h.page().WaitFor(ctx, sel.SeedPhrase); err != nil {
		return "", err
	}
	if sel.CopySeed == "" {
		return h.page().Text(ctx, sel.SeedPhrase)
	}
	if err := h.page().Click(ctx, sel.CopySeed); err != nil {
		return "", err
	}
	return h.page().Clipboard(ctx)
}

// ShortRoot renders id the way the landing page does: the first six and
// last four characters around an ellipsis.
func ShortRoot(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:6] + "..." + id[len(id)-4:]
}

func (h *appHandler) rootSteps() []runner.Step {
	sel := h.p.Selectors
	return []runner.Step{
		runner.Do("open browser", func(ctx context.Context) error {
			page, err := h.session.Open(ctx)
			if err != nil {
				return err
			}
			return page.Goto(ctx, h.path(h.p.Paths.Root, ""))
		}),
		runner.Finish("compare root", func(ctx context.Context) (float64, error) {
			shown, err := h.page().Text(ctx, sel.RootAddress)
			if err != nil {
				return 0, err
			}
			want := ShortRoot(h.p.Root)
			if shown != want {
				return 0, content.Mismatch("root", want, shown)
			}
			return 1, nil
		}),
	}
}
