// Package scm wraps the source-control queries steps need: the local
// repository's main branch and remote, and pull requests on GitHub.
package scm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNoRemote is returned when the repository has no origin remote.
	ErrNoRemote = errors.New("no origin remote")
	// ErrNoMainBranch is returned when neither origin/HEAD, main nor master exist.
	ErrNoMainBranch = errors.New("main branch not found")
	// ErrNotGitHub is returned for remotes that do not point at GitHub.
	ErrNotGitHub = errors.New("remote is not a GitHub repository")
)

// Source answers branch and remote queries about a local repository.
type Source interface {
	MainBranch() (string, error)
	RemoteURL() (string, error)
}

// Repository is a Source backed by go-git.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens the repository containing path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repository{repo: repo, path: path}, nil
}

// MainBranch returns the branch origin/HEAD points at, falling back to a
// local main or master branch.
func (r *Repository) MainBranch() (string, error) {
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName("origin", "HEAD"), false)
	if err == nil && ref.Type() == plumbing.SymbolicReference {
		return strings.TrimPrefix(ref.Target().Short(), "origin/"), nil
	}

	for _, name := range []string{"main", "master"} {
		if _, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), false); err == nil {
			return name, nil
		}
	}
	return "", ErrNoMainBranch
}

// RemoteURL returns the first URL of the origin remote.
func (r *Repository) RemoteURL() (string, error) {
	remote, err := r.repo.Remote("origin")
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", ErrNoRemote
		}
		return "", fmt.Errorf("get origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", ErrNoRemote
	}
	return urls[0], nil
}

// CurrentBranch returns the short name of the checked out branch.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

var githubRemote = regexp.MustCompile(`^(?:https?://(?:[^@/]+@)?github\.com/|git@github\.com:|ssh://git@github\.com/)([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseOwnerRepo extracts owner and repository name from a GitHub remote URL.
func ParseOwnerRepo(remoteURL string) (owner, repo string, err error) {
	m := githubRemote.FindStringSubmatch(strings.TrimSpace(remoteURL))
	if m == nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotGitHub, remoteURL)
	}
	return m[1], m[2], nil
}

// ResolveOwnerRepo reads the origin remote of src and parses it.
func ResolveOwnerRepo(src Source) (owner, repo string, err error) {
	u, err := src.RemoteURL()
	if err != nil {
		return "", "", err
	}
	return ParseOwnerRepo(u)
}
