package sqlgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// fencedSQL matches the first ```sql fenced block in free text. The
// generation service is only contracted to answer with one such block;
// anything else is treated as a failed generation.
var fencedSQL = regexp.MustCompile("(?s)```sql\\s*(.*?)```")

const systemPrompt = "You are a senior SQL analyst for a retail database. " +
	"Generate accurate SQL Server queries for the schema you are given."

const promptRules = `Multi-word columns MUST be wrapped in double quotes.
Use T-SQL syntax. Don't qualify tables with schema or database names.
Use OFFSET...FETCH or TOP 1, not FETCH FIRST ROW.
Only include 'ProjectCost' if explicitly asked.
Return only the SQL query in a ` + "```sql ... ```" + ` block.`

// Generator calls an OpenAI-compatible chat-completions endpoint to turn a
// question plus retrieved schema text into a candidate SQL query.
type Generator struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewGenerator creates a generation client.
func NewGenerator(endpoint, apiKey, model string, httpClient *http.Client) *Generator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Generator{endpoint: endpoint, apiKey: apiKey, model: model, httpClient: httpClient}
}

// Generate returns the model's raw answer text for the question. Callers
// run ExtractSQL over it; an answer without a fenced block is a generation
// failure, not an error here.
func (g *Generator) Generate(ctx context.Context, question, schemaInfo string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a valid SQL Server query (T-SQL) for the user's question.\nDatabase schema:\n%s\n\nUser question: %s\n\n%s",
		schemaInfo, question, promptRules,
	)

	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generation request: %w", err)
	}

	answer, err := backoff.Retry(ctx, func() (string, error) {
		return g.complete(ctx, body)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return "", err
	}

	log.Debug().Int("answer_len", len(answer)).Msg("Generation complete")
	return answer, nil
}

func (g *Generator) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create generation request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("generation service returned HTTP %d", resp.StatusCode)
	default:
		return "", backoff.Permanent(fmt.Errorf("generation service returned HTTP %d", resp.StatusCode))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to decode generation response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("generation response had no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// ExtractSQL returns the contents of the first ```sql fenced block in text,
// trimmed, or "" when there is none.
func ExtractSQL(text string) string {
	m := fencedSQL.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
