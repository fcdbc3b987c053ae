package webhook

import "strings"

// GitHub payload types, trimmed to the fields the ingress consumes.

// PushEvent is the push webhook payload.
type PushEvent struct {
	Ref        string      `json:"ref"`
	Before     string      `json:"before"`
	After      string      `json:"after"`
	Deleted    bool        `json:"deleted"`
	HeadCommit *HeadCommit `json:"head_commit"`
	Repository Repository  `json:"repository"`
	Pusher     Pusher      `json:"pusher"`
}

// Branch extracts the branch name from the push ref, or "" for non-branch refs.
func (e PushEvent) Branch() string {
	if !strings.HasPrefix(e.Ref, "refs/heads/") {
		return ""
	}
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// HeadCommit is the commit a push points at.
type HeadCommit struct {
	ID      string       `json:"id"`
	Message string       `json:"message"`
	URL     string       `json:"url"`
	Author  CommitPerson `json:"author"`
}

// CommitPerson identifies a commit author or committer.
type CommitPerson struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Repository is the repository block common to all event payloads.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	Owner         Owner  `json:"owner"`
	Description   string `json:"description"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

// Owner is the repository owner.
type Owner struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// Pusher identifies who pushed.
type Pusher struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PullRequestEvent is the pull_request webhook payload.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int64       `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
}

// PullRequest is the PR block within a pull_request event.
type PullRequest struct {
	ID      int64          `json:"id"`
	Number  int64          `json:"number"`
	State   string         `json:"state"`
	Title   string         `json:"title"`
	HTMLURL string         `json:"html_url"`
	User    PRUser         `json:"user"`
	Head    PullRequestRef `json:"head"`
	Base    PullRequestRef `json:"base"`
	Draft   bool           `json:"draft"`
}

// PRUser identifies the PR author.
type PRUser struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// PullRequestRef is the head or base of a PR.
type PullRequestRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// ShouldBuild reports whether the PR action warrants a build: new or updated
// code on a non-draft PR.
func (e PullRequestEvent) ShouldBuild() bool {
	switch e.Action {
	case "opened", "synchronize", "reopened":
		return !e.PullRequest.Draft
	default:
		return false
	}
}
