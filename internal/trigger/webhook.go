package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path"
	"strings"

	"autoforge/internal/model"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-Event-Type"
	signaturePrefix = "sha256="

	maxWebhookBody = 1 << 20
)

// pushPayload is the subset of the forge's push event we act on.
type pushPayload struct {
	Ref     string `json:"ref"`
	Commits []struct {
		ID       string   `json:"id"`
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

// WebhookSource validates signed push events and publishes one trigger per
// instruction file the push touched. It owns no loop of its own; the HTTP
// server drives it through ServeHTTP.
type WebhookSource struct {
	Secret         string
	TrunkBranch    string
	InboxDir       string
	InstructionExt string
	Bus            Publisher
	Logger         *log.Logger
}

func (s *WebhookSource) Name() string { return "webhook" }

// Run blocks until the context ends. The source is passive; registration on
// the server mux is what makes it live.
func (s *WebhookSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *WebhookSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		// The endpoint does not exist for anything but signed pushes.
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature mismatch"})
		return
	}
	if event := r.Header.Get(eventHeader); event != "" && event != "push" {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "event type " + event})
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if payload.Ref != "refs/heads/"+s.TrunkBranch {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "ref " + payload.Ref})
		return
	}

	files := s.instructionFiles(payload)
	if len(files) == 0 {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no instruction files"})
		return
	}

	published := 0
	for _, file := range files {
		event := model.TriggerEvent{
			Origin:    model.TriggerOriginWebhook,
			PayloadID: file,
		}
		if err := s.Bus.Publish(event); err != nil {
			logf(s.Logger, "webhook: publish for %s failed: %v", file, err)
			continue
		}
		published++
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "triggers": published})
}

func (s *WebhookSource) verifySignature(body []byte, header string) bool {
	if s.Secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// instructionFiles collects inbox instruction paths across all commits in the
// push, deduplicated and in first-seen order.
func (s *WebhookSource) instructionFiles(payload pushPayload) []string {
	seen := map[string]bool{}
	var files []string
	for _, commit := range payload.Commits {
		for _, p := range append(append([]string{}, commit.Added...), commit.Modified...) {
			if !s.isInstructionPath(p) || seen[p] {
				continue
			}
			seen[p] = true
			files = append(files, p)
		}
	}
	return files
}

func (s *WebhookSource) isInstructionPath(p string) bool {
	cleaned := path.Clean(p)
	dir := strings.TrimSuffix(s.InboxDir, "/")
	if !strings.HasPrefix(cleaned, dir+"/") {
		return false
	}
	return strings.HasSuffix(cleaned, s.InstructionExt)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
