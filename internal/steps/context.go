package steps

import (
	"github.com/endorhq/rover-sub004/internal/audit"
	"github.com/endorhq/rover-sub004/internal/connectors"
	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/project"
	"github.com/endorhq/rover-sub004/internal/reasoning"
	"github.com/endorhq/rover-sub004/internal/scm"
	"github.com/endorhq/rover-sub004/internal/store"
)

// DefaultMaxPlannedTasks caps the traces a planner may fork.
const DefaultMaxPlannedTasks = 5

// Context carries the collaborators a step may use. Nil fields are
// unavailable; steps declare the ones they need via Dependencies.
type Context struct {
	Store   *store.Store
	Spans   *audit.SpanWriter
	Actions *audit.ActionWriter

	Reasoner     reasoning.Invoker
	SCM          scm.Source
	PullRequests scm.PullRequests
	Projects     project.Manager
	Runner       connectors.Connector

	Owner string
	Repo  string

	// Verbose logs prompts and raw reasoner output at debug level.
	Verbose         bool
	MaxPlannedTasks int
	Logger          *logging.Logger
}

// Has reports whether dependency d is available.
func (c *Context) Has(d Dependency) bool {
	switch d {
	case DepProjectManager:
		return c.Projects != nil
	case DepOwnerRepo:
		return c.Owner != "" && c.Repo != ""
	case DepReasoner:
		return c.Reasoner != nil
	case DepSourceControl:
		return c.SCM != nil
	case DepRunner:
		return c.Runner != nil
	}
	return false
}

// Missing returns the first dependency in deps that is unavailable.
func (c *Context) Missing(deps []Dependency) (Dependency, bool) {
	for _, d := range deps {
		if !c.Has(d) {
			return d, true
		}
	}
	return "", false
}

func (c *Context) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.Nop()
	}
	return c.Logger
}

func (c *Context) maxPlannedTasks() int {
	if c.MaxPlannedTasks <= 0 {
		return DefaultMaxPlannedTasks
	}
	return c.MaxPlannedTasks
}
