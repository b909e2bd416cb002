package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
)

// SourceGitHub marks events received from GitHub webhooks.
const SourceGitHub = "github"

// FromGitHub translates a webhook delivery into an Event. eventType is the
// X-GitHub-Event header value.
func FromGitHub(eventType string, payload []byte) (*Event, error) {
	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s webhook: %w", eventType, err)
	}

	e := &Event{Source: SourceGitHub, ReceivedAt: time.Now().UTC()}

	switch ev := parsed.(type) {
	case *github.IssuesEvent:
		switch ev.GetAction() {
		case "opened", "reopened", "labeled":
		default:
			return nil, fmt.Errorf("%w: issues.%s", ErrIgnored, ev.GetAction())
		}
		issue := ev.GetIssue()
		e.Kind = KindIssue
		e.Action = ev.GetAction()
		e.Owner, e.Repo = repoOf(ev.GetRepo())
		e.Number = issue.GetNumber()
		e.Title = issue.GetTitle()
		e.Body = issue.GetBody()
		e.URL = issue.GetHTMLURL()
		e.Sender = ev.GetSender().GetLogin()

	case *github.IssueCommentEvent:
		if ev.GetAction() != "created" {
			return nil, fmt.Errorf("%w: issue_comment.%s", ErrIgnored, ev.GetAction())
		}
		e.Kind = KindIssueComment
		e.Action = ev.GetAction()
		e.Owner, e.Repo = repoOf(ev.GetRepo())
		e.Number = ev.GetIssue().GetNumber()
		e.Title = ev.GetIssue().GetTitle()
		e.Body = ev.GetComment().GetBody()
		e.URL = ev.GetComment().GetHTMLURL()
		e.Sender = ev.GetSender().GetLogin()

	case *github.PullRequestEvent:
		switch ev.GetAction() {
		case "opened", "reopened", "synchronize":
		default:
			return nil, fmt.Errorf("%w: pull_request.%s", ErrIgnored, ev.GetAction())
		}
		pr := ev.GetPullRequest()
		e.Kind = KindPullRequest
		e.Action = ev.GetAction()
		e.Owner, e.Repo = repoOf(ev.GetRepo())
		e.Number = pr.GetNumber()
		e.Title = pr.GetTitle()
		e.Body = pr.GetBody()
		e.Ref = pr.GetHead().GetRef()
		e.URL = pr.GetHTMLURL()
		e.Sender = ev.GetSender().GetLogin()

	case *github.PushEvent:
		e.Kind = KindPush
		e.Ref = ev.GetRef()
		e.Title = ev.GetHeadCommit().GetMessage()
		e.URL = ev.GetCompare()
		e.Sender = ev.GetSender().GetLogin()
		repo := ev.GetRepo()
		e.Owner, e.Repo = repo.GetOwner().GetLogin(), repo.GetName()
		if e.Owner == "" {
			e.Owner, _, _ = strings.Cut(repo.GetFullName(), "/")
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnored, eventType)
	}

	if e.Sender != "" && strings.HasSuffix(e.Sender, "[bot]") {
		return nil, fmt.Errorf("%w: sent by %s", ErrIgnored, e.Sender)
	}
	return e, nil
}

func repoOf(r *github.Repository) (owner, name string) {
	return r.GetOwner().GetLogin(), r.GetName()
}
