package builder

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

type sourceKind int

const (
	sourceLocal sourceKind = iota
	sourceGit
	sourceArchive
)

// hosts reachable with a short prefix, e.g. gh:pybind11/pybind11#v2.13.6
var hostAliases = map[string]string{
	"gh:": "https://github.com/",
	"gl:": "https://gitlab.com/",
}

const gitPrefix = "git:"

var (
	errEmptySource      = errors.New("empty interop.source")
	errUnsupportedFetch = errors.New("archive downloads are not supported, use a git source (git:, gh:, gl:) or a local path")
)

// toolkitSource is a parsed interop.source.
//
//	git:https://example.org/pybind11.git@stable#v2.13.6
//	gh:pybind11/pybind11#a1b2c3d
//	third_party/pybind11
type toolkitSource struct {
	kind sourceKind
	// clone URL for git sources, absolute directory for local ones
	location string
	branch   string
	// tag or commit checked out after cloning
	revision string
	// index key of the checkout
	key string
}

// parseToolkitSource classifies raw. Relative local paths are taken from basedir.
func parseToolkitSource(raw, basedir string) (toolkitSource, error) {
	if raw == "" {
		return toolkitSource{}, errEmptySource
	}

	remote, isGit := strings.CutPrefix(raw, gitPrefix)
	if !isGit {
		for alias, host := range hostAliases {
			if rest, ok := strings.CutPrefix(raw, alias); ok {
				remote, isGit = host+rest, true
				break
			}
		}
	}
	if isGit {
		src := splitGitRemote(remote)
		src.key = raw
		return src, nil
	}

	if isURL(raw) {
		return toolkitSource{kind: sourceArchive, location: raw, key: raw}, nil
	}

	dir := absFrom(basedir, raw)
	return toolkitSource{kind: sourceLocal, location: dir, key: dir}, nil
}

func isURL(maybeURL string) bool {
	u, err := url.Parse(maybeURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// splitGitRemote takes the "#revision" and "@branch" suffixes off a remote.
// Only an @ in the last path element names a branch, so user@host URLs keep theirs.
func splitGitRemote(remote string) toolkitSource {
	src := toolkitSource{kind: sourceGit}
	remote, src.revision, _ = strings.Cut(remote, "#")

	if at := strings.LastIndexByte(remote, '@'); at > strings.LastIndexByte(remote, '/') {
		remote, src.branch = remote[:at], remote[at+1:]
	}
	if !strings.HasSuffix(remote, ".git") {
		remote += ".git"
	}
	src.location = remote
	return src
}

// fetch makes the toolkit available and returns its directory. Git sources are
// cloned into dir, local ones are used in place.
func (s toolkitSource) fetch(dir string) (string, error) {
	switch s.kind {
	case sourceGit:
		if err := s.clone(dir); err != nil {
			return "", err
		}
		return dir, nil
	case sourceArchive:
		return "", fmt.Errorf("%s: %w", s.location, errUnsupportedFetch)
	default:
		if !isDir(s.location) {
			return "", fmt.Errorf("%s: not a directory", s.location)
		}
		return s.location, nil
	}
}

func (s toolkitSource) clone(dir string) error {
	opts := &git.CloneOptions{
		URL:      s.location,
		Progress: &msg.IndentWriter{Indent: "    ", W: msg.Output},
	}
	if s.revision == "" {
		opts.Depth = 1
	}
	if s.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.branch)
		opts.SingleBranch = true
	}

	repo, err := git.PlainClone(dir, opts)
	if err != nil {
		return err
	}
	if s.revision == "" {
		return nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(s.revision))
	if err != nil {
		return fmt.Errorf("could not resolve revision `%s`: %w", s.revision, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("could not get worktree: %w", err)
	}
	if err := w.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("failed to checkout `%s`: %w", s.revision, err)
	}
	return nil
}
