package github_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/github"
)

func TestListFiles_FiltersTree(t *testing.T) {
	tree := []map[string]any{
		{"path": "pkg/server/handler.go", "type": "blob"},
		{"path": "cmd/app/main.go", "type": "blob"},
		{"path": "pkg/server", "type": "tree"},
		{"path": "docs/readme.md", "type": "blob"},
		{"path": "vendor/lib/x.go", "type": "blob"},
		{"path": "assets/logo.png", "type": "blob"},
		{"path": "internal/foo_test.go", "type": "blob"},
		{"path": ".github/workflows/ci.yml", "type": "blob"},
	}

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(
				t, "/repos/acme/widgets/git/trees/main", r.URL.Path,
			)
			assert.Equal(t, "true", r.URL.Query().Get("recursive"))

			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"tree":      tree,
				"truncated": false,
			}))
		},
	))
	defer srv.Close()

	client := newTestClient(t, srv.URL, config.FetchConfig{
		FileArrayLimit: 100,
	})

	got, err := client.ListFiles(
		context.Background(), "acme", "widgets", "main",
	)
	require.NoError(t, err)

	assert.Equal(
		t,
		[]string{"pkg/server/handler.go", "cmd/app/main.go"},
		got,
	)
}

func TestListFiles_LimitExceededReturnsEmpty(t *testing.T) {
	tree := []map[string]any{
		{"path": "pkg/a.go", "type": "blob"},
		{"path": "pkg/b.go", "type": "blob"},
		{"path": "pkg/c.go", "type": "blob"},
	}

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"tree": tree,
			}))
		},
	))
	defer srv.Close()

	client := newTestClient(t, srv.URL, config.FetchConfig{
		FileArrayLimit: 2,
	})

	got, err := client.ListFiles(
		context.Background(), "acme", "widgets", "main",
	)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDefaultBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/repos/acme/widgets", r.URL.Path)

			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"default_branch": "trunk",
			}))
		},
	))
	defer srv.Close()

	client := newTestClient(t, srv.URL, config.FetchConfig{})

	branch, err := client.DefaultBranch(
		context.Background(), "acme", "widgets",
	)
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
}

func TestPullRequestFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(
				t, "/repos/acme/widgets/pulls/7/files", r.URL.Path,
			)

			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode([]map[string]any{
				{
					"sha":      "abc",
					"filename": "pkg/a.go",
					"status":   "modified",
				},
				{
					"sha":               "def",
					"filename":          "pkg/b.go",
					"status":            "renamed",
					"previous_filename": "pkg/old.go",
				},
			}))
		},
	))
	defer srv.Close()

	client := newTestClient(t, srv.URL, config.FetchConfig{})

	files, err := client.PullRequestFiles(
		context.Background(), "acme", "widgets", 7,
	)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, github.PullRequestFile{
		SHA:      "abc",
		FilePath: "pkg/a.go",
		Status:   github.FileStatusModified,
	}, files[0])
	assert.Equal(t, github.PullRequestFile{
		SHA:              "def",
		FilePath:         "pkg/b.go",
		Status:           github.FileStatusRenamed,
		PreviousFileName: "pkg/old.go",
	}, files[1])
}

func TestCreateIssueComment(t *testing.T) {
	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(
				t, "/repos/acme/widgets/issues/7/comments", r.URL.Path,
			)
			assert.Equal(
				t, "Bearer test-token", r.Header.Get("Authorization"),
			)

			var payload struct {
				Body string `json:"body"`
			}
			require.NoError(
				t, json.NewDecoder(r.Body).Decode(&payload),
			)
			gotBody = payload.Body

			w.WriteHeader(http.StatusCreated)
		},
	))
	defer srv.Close()

	client := newTestClient(t, srv.URL, config.FetchConfig{})

	err := client.CreateIssueComment(
		context.Background(), "acme", "widgets", 7, "hello",
	)
	require.NoError(t, err)
	assert.Equal(t, "hello", gotBody)
}
