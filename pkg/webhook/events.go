package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/riskspot/riskspot/pkg/ingest"
)

// maxPayloadBytes caps webhook delivery bodies. GitHub itself caps
// payloads at 25 MB.
const maxPayloadBytes = 25 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// installationEvent is the subset of the installation payload we
// consume.
type installationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`
	Repositories []struct {
		Name string `json:"name"`
	} `json:"repositories"`
}

// pullRequestEvent is the subset of the pull_request payload we
// consume.
type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// handleWebhook verifies and routes a GitHub webhook delivery.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(
		http.MaxBytesReader(w, r.Body, maxPayloadBytes),
	)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"reading payload"})

		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"invalid signature"})

		return
	}

	event := r.Header.Get("X-GitHub-Event")

	switch event {
	case "installation":
		s.handleInstallation(w, body)
	case "pull_request":
		s.handlePullRequest(r.Context(), w, body)
	default:
		s.log.WithField("event", event).Debug("Ignoring event")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// verifySignature checks the delivery's HMAC-SHA256 signature. When
// no secret is configured, deliveries are accepted unverified.
func (s *server) verifySignature(body []byte, header string) bool {
	if s.secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)

	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(header))
}

// handleInstallation backfills a newly installed account. Processing
// every repository can take minutes, so it runs in the background and
// the delivery is acknowledged immediately.
func (s *server) handleInstallation(w http.ResponseWriter, body []byte) {
	var event installationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"parsing payload"})

		return
	}

	if event.Action != "created" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})

		return
	}

	repos := make([]ingest.Repo, 0, len(event.Repositories))
	for _, repo := range event.Repositories {
		repos = append(repos, ingest.Repo{
			Owner: event.Installation.Account.Login,
			Name:  repo.Name,
		})
	}

	installationID := event.Installation.ID

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.ingestor.ProcessInstallation(
			context.Background(), installationID, repos,
		); err != nil {
			s.log.WithError(err).
				WithField("installation_id", installationID).
				Error("Failed to process installation")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handlePullRequest reports scores on open and applies changes on
// close, leaving a comment either way.
func (s *server) handlePullRequest(
	ctx context.Context, w http.ResponseWriter, body []byte,
) {
	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"parsing payload"})

		return
	}

	owner := event.Repository.Owner.Login
	repo := event.Repository.Name

	log := s.log.WithFields(logrus.Fields{
		"owner":  owner,
		"repo":   repo,
		"number": event.Number,
		"action": event.Action,
	})

	var comment string

	switch event.Action {
	case "opened":
		scores, err := s.ingestor.FileScores(
			ctx, event.Installation.ID, owner, repo, event.Number,
		)
		if err != nil {
			log.WithError(err).Error("Failed to build risk report")

			comment = openFallbackComment
		} else {
			comment = riskReport(scores)
		}
	case "closed":
		err := s.ingestor.HandlePullRequestClosed(
			ctx, event.Installation.ID, owner, repo,
			event.Number, event.PullRequest.Merged,
		)

		switch {
		case err != nil:
			log.WithError(err).Error("Failed to apply pull request changes")

			comment = closedFallbackComment
		case event.PullRequest.Merged:
			comment = closedConfirmationComment
		default:
			// Unmerged close: nothing changed, nothing to say.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

			return
		}
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})

		return
	}

	if err := s.commenter.CreateIssueComment(
		ctx, owner, repo, event.Number, comment,
	); err != nil {
		log.WithError(err).Error("Failed to post comment")
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
