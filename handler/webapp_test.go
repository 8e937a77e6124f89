package handler

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeApp is an in-memory web application laid out the way DefaultPaths
// and DefaultSelectors expect.
type fakeApp struct {
	mu       sync.Mutex
	seed     string
	root     string
	dialog   string
	signedIn bool
	// revealed replaces the seed on the settings page when set
	revealed string
	// copied replaces what the copy button puts on the clipboard
	copied string
	// repos maps org -> repo -> branch -> file -> contents
	repos map[string]map[string]map[string]map[string]string
}

func newFakeApp(seed, root string) *fakeApp {
	return &fakeApp{
		seed:   seed,
		root:   root,
		dialog: "Committed",
		repos:  make(map[string]map[string]map[string]map[string]string),
	}
}

func (a *fakeApp) set(fn func(a *fakeApp)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func (a *fakeApp) addFile(org, repo, branch, file, contents string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensure(org, repo, branch)[file] = contents
}

func (a *fakeApp) file(org, repo, branch, file string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.repos[org][repo][branch][file]
	return c, ok
}

func (a *fakeApp) hasBranch(org, repo, branch string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.repos[org][repo][branch]
	return ok
}

// ensure creates the path down to branch. Callers hold mu.
func (a *fakeApp) ensure(org, repo, branch string) map[string]string {
	if a.repos[org] == nil {
		a.repos[org] = make(map[string]map[string]map[string]string)
	}
	if repo == "" {
		return nil
	}
	if a.repos[org][repo] == nil {
		a.repos[org][repo] = make(map[string]map[string]string)
	}
	if branch == "" {
		return nil
	}
	if a.repos[org][repo][branch] == nil {
		a.repos[org][repo][branch] = make(map[string]string)
	}
	return a.repos[org][repo][branch]
}

func (a *fakeApp) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		page(w, fmt.Sprintf(`<a href="/account/signin">Sign in</a><span id="root-address">%s</span>`,
			html.EscapeString(ShortRoot(a.root))))
	})

	mux.HandleFunc("GET /account/signin", func(w http.ResponseWriter, r *http.Request) {
		page(w, `<form id="signin" method="post" action="/account/signin">
<input name="phrase" type="password"><button type="submit">Sign in</button></form>`)
	})
	mux.HandleFunc("POST /account/signin", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		a.mu.Lock()
		ok := strings.Join(strings.Fields(r.PostForm.Get("phrase")), " ") == a.seed
		a.signedIn = ok
		a.mu.Unlock()
		if !ok {
			page(w, `<p class="error">Invalid phrase</p>`)
			return
		}
		page(w, `<div id="signed-in">Welcome</div>`)
	})

	mux.HandleFunc("GET /account/settings", func(w http.ResponseWriter, r *http.Request) {
		body := `<a id="reveal-seed" href="/account/settings?reveal=1">Reveal</a>`
		if r.URL.Query().Get("reveal") == "1" {
			a.mu.Lock()
			shown := a.seed
			if a.revealed != "" {
				shown = a.revealed
			}
			copied := shown
			if a.copied != "" {
				copied = a.copied
			}
			a.mu.Unlock()
			body += `<pre id="seed-phrase">` + html.EscapeString(shown) + `</pre>`
			body += `<button id="copy-seed" type="button" data-clipboard-text="` + html.EscapeString(copied) + `">Copy</button>`
		}
		page(w, body)
	})

	mux.HandleFunc("/account/orgs", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			a.ensure(r.PostForm.Get("name"), "", "")
		}
		body := list("org", keys(a.repos), nil)
		a.mu.Unlock()
		page(w, body+`<form id="create-org" method="post" action="/account/orgs">
<input name="name"><button type="submit">Create</button></form>`)
	})

	mux.HandleFunc("/o/{org}", func(w http.ResponseWriter, r *http.Request) {
		org := r.PathValue("org")
		a.mu.Lock()
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			a.ensure(org, r.PostForm.Get("name"), "")
		}
		body := list("repo", keys(a.repos[org]), nil)
		a.mu.Unlock()
		page(w, body+fmt.Sprintf(`<form id="create-repo" method="post" action="/o/%s">
<input name="name"><button type="submit">Create</button></form>`, org))
	})

	branches := func(w http.ResponseWriter, org, repo string) {
		action := fmt.Sprintf("/o/%s/r/%s/branches", org, repo)
		body := list("branch", keys(a.repos[org][repo]), func(name string) string {
			return fmt.Sprintf(`<form method="post" action="%s/delete"><input type="hidden" name="name" value="%s"><button class="delete" type="submit">Delete</button></form>`, action, name)
		})
		page(w, body+fmt.Sprintf(`<form id="create-branch" method="post" action="%s">
<input name="name"><input name="from"><button type="submit">Create</button></form>`, action))
	}
	mux.HandleFunc("GET /o/{org}/r/{repo}/branches", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		branches(w, r.PathValue("org"), r.PathValue("repo"))
	})
	mux.HandleFunc("POST /o/{org}/r/{repo}/branches", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		org, repo := r.PathValue("org"), r.PathValue("repo")
		a.mu.Lock()
		defer a.mu.Unlock()
		from := a.repos[org][repo][r.PostForm.Get("from")]
		dst := a.ensure(org, repo, r.PostForm.Get("name"))
		for k, v := range from {
			dst[k] = v
		}
		branches(w, org, repo)
	})
	mux.HandleFunc("POST /o/{org}/r/{repo}/branches/delete", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		org, repo := r.PathValue("org"), r.PathValue("repo")
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.repos[org][repo], r.PostForm.Get("name"))
		branches(w, org, repo)
	})

	mux.HandleFunc("GET /o/{org}/r/{repo}/tree/{branch}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		files := a.repos[r.PathValue("org")][r.PathValue("repo")][r.PathValue("branch")]
		page(w, list("file", keys(files), nil))
	})

	mux.HandleFunc("GET /o/{org}/r/{repo}/blobs/view/{branch}/{file}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		c, ok := a.repos[r.PathValue("org")][r.PathValue("repo")][r.PathValue("branch")][r.PathValue("file")]
		a.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		page(w, `<pre id="file-content">`+html.EscapeString(c)+`</pre>`)
	})

	mux.HandleFunc("/o/{org}/r/{repo}/blobs/update/{branch}/{file}", func(w http.ResponseWriter, r *http.Request) {
		org, repo, branch, file := r.PathValue("org"), r.PathValue("repo"), r.PathValue("branch"), r.PathValue("file")
		form := fmt.Sprintf(`<form id="commit" method="post" action="%s"><textarea name="content"></textarea>
<button type="submit">Commit</button></form>`, r.URL.Path)
		if r.Method == http.MethodGet {
			page(w, form)
			return
		}
		_ = r.ParseForm()
		a.mu.Lock()
		if !a.signedIn {
			a.mu.Unlock()
			page(w, form+`<div role="alert">Not signed in</div>`)
			return
		}
		a.ensure(org, repo, branch)[file] = r.PostForm.Get("content")
		dialog := a.dialog
		a.mu.Unlock()
		page(w, form+`<div role="alert">`+html.EscapeString(dialog)+`</div>`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func page(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><body>\n%s\n</body></html>", body)
}

func list(class string, names []string, extra func(string) string) string {
	var b strings.Builder
	b.WriteString("<ul>")
	for _, n := range names {
		fmt.Fprintf(&b, `<li class="%s" data-name="%s">%s`, class, html.EscapeString(n), html.EscapeString(n))
		if extra != nil {
			b.WriteString(extra(n))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
	return b.String()
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
