package scm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Pull request states as reported to steps.
const (
	StateOpen   = "OPEN"
	StateClosed = "CLOSED"
	StateMerged = "MERGED"
)

// PullRequest is the subset of a pull request the pipeline cares about.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// PullRequests looks up pull requests and comments on issues.
type PullRequests interface {
	// FindPullRequest returns the most recent pull request whose head is
	// branch, or nil when there is none.
	FindPullRequest(ctx context.Context, owner, repo, branch string) (*PullRequest, error)
	// Comment posts body on an issue or pull request.
	Comment(ctx context.Context, owner, repo string, number int, body string) error
}

// GitHub implements PullRequests against the GitHub REST API.
type GitHub struct {
	client *github.Client
	retry  RetryConfig
}

// NewGitHub creates a client authenticated with token. An empty token
// yields an anonymous client.
func NewGitHub(ctx context.Context, token string, retry *RetryConfig) *GitHub {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}
	return NewGitHubWithClient(client, retry)
}

// NewGitHubWithClient wraps an existing go-github client.
func NewGitHubWithClient(client *github.Client, retry *RetryConfig) *GitHub {
	g := &GitHub{client: client, retry: *DefaultRetryConfig()}
	if retry != nil {
		g.retry = *retry
	}
	return g
}

// FindPullRequest implements PullRequests.
func (g *GitHub) FindPullRequest(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	opts := &github.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 10},
	}

	var prs []*github.PullRequest
	err := retryOperation(ctx, g.retry, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = g.client.PullRequests.List(ctx, owner, repo, opts)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}

	pr := prs[0]
	state := strings.ToUpper(pr.GetState())
	if pr.GetMerged() || pr.MergedAt != nil {
		state = StateMerged
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), State: state}, nil
}

// Comment implements PullRequests.
func (g *GitHub) Comment(ctx context.Context, owner, repo string, number int, body string) error {
	comment := &github.IssueComment{Body: github.String(body)}
	err := retryOperation(ctx, g.retry, func() (*github.Response, error) {
		_, resp, err := g.client.Issues.CreateComment(ctx, owner, repo, number, comment)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}
