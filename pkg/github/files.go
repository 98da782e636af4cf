package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Pull request file status values as reported by the GitHub API.
const (
	FileStatusAdded     = "added"
	FileStatusRemoved   = "removed"
	FileStatusModified  = "modified"
	FileStatusRenamed   = "renamed"
	FileStatusCopied    = "copied"
	FileStatusChanged   = "changed"
	FileStatusUnchanged = "unchanged"
)

// PullRequestFile describes one file changed by a pull request.
// PreviousFileName is only set for renames, so the record stored
// under the old path can be cleaned up.
type PullRequestFile struct {
	SHA              string
	FilePath         string
	Status           string
	PreviousFileName string
}

// excludedPathFragments filters out paths that carry no scoring
// signal: vendored code, docs, assets, lockfiles, configs, tests.
var excludedPathFragments = []string{
	"node_modules",
	"vendor/",
	"license",
	".png",
	".jpg",
	".jpeg",
	".ico",
	".svg",
	".json",
	".md",
	".txt",
	"test",
	"tests",
	".test",
	"package",
	".yml",
	".yaml",
	"config",
	".log",
	".lock",
	".bak",
	".map",
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(
	ctx context.Context, owner, repo string,
) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}

	path := fmt.Sprintf("/repos/%s/%s", owner, repo)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}

	return out.DefaultBranch, nil
}

// ListFiles returns the scoreable file paths of a repository at the
// given branch, using the recursive git tree endpoint. When the tree
// holds more than fileArrayLimit eligible files, an empty list is
// returned and the repository is skipped for this pass.
func (c *Client) ListFiles(
	ctx context.Context, owner, repo, branch string,
) ([]string, error) {
	var out struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}

	path := fmt.Sprintf(
		"/repos/%s/%s/git/trees/%s?recursive=true", owner, repo, branch,
	)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}

	var files []string

	for _, entry := range out.Tree {
		if entry.Type == "blob" && ScoreablePath(entry.Path) {
			files = append(files, entry.Path)
		}
	}

	repoLog := c.log.WithFields(logrus.Fields{
		"owner": owner,
		"repo":  repo,
	})

	repoLog.WithField("files", len(files)).
		Info("Listed eligible repository files")

	if len(files) > c.fetch.FileArrayLimit {
		repoLog.WithFields(logrus.Fields{
			"files": len(files),
			"limit": c.fetch.FileArrayLimit,
		}).Warn("File limit exceeded, skipping repository")

		return nil, nil
	}

	return files, nil
}

// PullRequestFiles returns the files changed by a pull request.
func (c *Client) PullRequestFiles(
	ctx context.Context, owner, repo string, number int,
) ([]PullRequestFile, error) {
	var out []struct {
		SHA              string `json:"sha"`
		Filename         string `json:"filename"`
		Status           string `json:"status"`
		PreviousFilename string `json:"previous_filename"`
	}

	path := fmt.Sprintf(
		"/repos/%s/%s/pulls/%d/files", owner, repo, number,
	)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}

	files := make([]PullRequestFile, 0, len(out))
	for _, f := range out {
		files = append(files, PullRequestFile{
			SHA:              f.SHA,
			FilePath:         f.Filename,
			Status:           f.Status,
			PreviousFileName: f.PreviousFilename,
		})
	}

	return files, nil
}

// CreateIssueComment posts a comment on a pull request discussion
// thread (pull requests are issues as far as comments go).
func (c *Client) CreateIssueComment(
	ctx context.Context, owner, repo string, number int, body string,
) error {
	path := fmt.Sprintf(
		"/repos/%s/%s/issues/%d/comments", owner, repo, number,
	)

	payload := struct {
		Body string `json:"body"`
	}{Body: body}

	if err := c.postJSON(ctx, path, payload); err != nil {
		return fmt.Errorf("creating issue comment: %w", err)
	}

	return nil
}

// ScoreablePath reports whether a file path should be tracked.
func ScoreablePath(filePath string) bool {
	if strings.HasPrefix(filePath, ".") {
		return false
	}

	lower := strings.ToLower(filePath)
	for _, fragment := range excludedPathFragments {
		if strings.Contains(lower, fragment) {
			return false
		}
	}

	return true
}
