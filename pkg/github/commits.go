package github

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riskspot/riskspot/pkg/scoring"
)

// bugFixPattern matches commit messages that look like bug fixes:
// bug/fix/close/resolve/address and their inflections,
// case-insensitive.
var bugFixPattern = regexp.MustCompile(
	`(?i)\b(bug(s|gy|ged)?|fix(es|ed|ing)?|close(s|d|ing)?|` +
		`resolve(s|d|ing)?|address(es|ed|ing)?)\b`,
)

// commitItem is a single entry of the list-commits response.
type commitItem struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message   string `json:"message"`
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

// BugFixCommits fetches the bug-fix commit history for a single file
// path within the configured lookback window.
//
// Pages are fetched until one comes back with fewer than pageSize raw
// items. Only commits whose message matches the bug-fix vocabulary
// are kept. When the filtered history exceeds commitArrayLimit, the
// file is unscoreable for this cycle and an empty history is returned
// rather than a truncated, misleading one. Fetch errors propagate to
// the caller unmodified.
func (c *Client) BugFixCommits(
	ctx context.Context, owner, repo, branch, filePath string,
) ([]scoring.Commit, error) {
	since := time.Now().UTC().AddDate(0, -c.fetch.CommitAgeInMonths, 0)

	var commits []scoring.Commit

	for page := 1; ; page++ {
		q := url.Values{
			"sha":      {branch},
			"path":     {filePath},
			"since":    {since.Format(time.RFC3339)},
			"per_page": {strconv.Itoa(c.fetch.PageSize)},
			"page":     {strconv.Itoa(page)},
		}

		var items []commitItem

		path := fmt.Sprintf(
			"/repos/%s/%s/commits?%s", owner, repo, q.Encode(),
		)
		if err := c.getJSON(ctx, path, &items); err != nil {
			return nil, err
		}

		for _, item := range items {
			if !bugFixPattern.MatchString(item.Commit.Message) {
				continue
			}

			commits = append(commits, scoring.Commit{
				SHA:     item.SHA,
				Message: item.Commit.Message,
				Date:    item.Commit.Committer.Date,
			})
		}

		if len(items) < c.fetch.PageSize {
			break
		}
	}

	if len(commits) > c.fetch.CommitArrayLimit {
		c.log.WithFields(logrus.Fields{
			"owner":     owner,
			"repo":      repo,
			"file_path": filePath,
			"commits":   len(commits),
			"limit":     c.fetch.CommitArrayLimit,
		}).Warn("Commit limit exceeded, treating file as unscoreable")

		return nil, nil
	}

	return commits, nil
}
