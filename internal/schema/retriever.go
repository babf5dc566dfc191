package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// NoMatchMessage is returned when the index has nothing relevant to say
// about a question. The prompt still carries it so the generator knows the
// schema lookup came up empty.
const NoMatchMessage = "No schema information found for this query."

const defaultTopK = 3

// Retriever asks the external vector index for the schema descriptions most
// relevant to a natural-language question. Responses are opaque text blobs
// concatenated into the generation prompt.
type Retriever struct {
	endpoint   string
	topK       int
	httpClient *http.Client
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type queryResponse struct {
	Documents []string `json:"documents"`
}

// NewRetriever creates a retrieval client for the given endpoint.
func NewRetriever(endpoint string, httpClient *http.Client) *Retriever {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Retriever{endpoint: endpoint, topK: defaultTopK, httpClient: httpClient}
}

// TopMatches returns the top-ranked schema descriptions for the question,
// joined by newlines. Transient HTTP failures are retried with exponential
// backoff before giving up.
func (r *Retriever) TopMatches(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(queryRequest{Query: question, TopK: r.topK})
	if err != nil {
		return "", fmt.Errorf("failed to marshal retrieval request: %w", err)
	}

	docs, err := backoff.Retry(ctx, func() ([]string, error) {
		return r.query(ctx, body)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return "", err
	}

	if len(docs) == 0 {
		return NoMatchMessage, nil
	}

	log.Debug().Int("documents", len(docs)).Msg("Schema retrieval hit")
	return strings.Join(docs, "\n"), nil
}

func (r *Retriever) query(ctx context.Context, body []byte) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create retrieval request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schema retrieval request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("schema retrieval returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("schema retrieval returned HTTP %d", resp.StatusCode))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode retrieval response: %w", err))
	}
	return out.Documents, nil
}
