package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sqlbot/internal/query"
	"github.com/wolfeidau/sqlbot/internal/sqlgen"
)

type chatRequest struct {
	Message string `json:"message"`
}

// chatResponse always goes out with HTTP 200. Upstream failures are reported
// in the Error field so the client can render them inline in the
// conversation rather than as a transport failure.
type chatResponse struct {
	Response  string       `json:"response"`
	SQLQuery  string       `json:"sql_query,omitempty"`
	TableData *query.Table `json:"table_data,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeJSON(w, http.StatusOK, s.processChat(r.Context(), req.Message))

	// Piggyback expired-session reclamation on chat traffic. Best effort,
	// detached from the request lifetime.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.sessions.CleanupExpired(ctx)
	}()
}

func (s *Server) processChat(ctx context.Context, message string) chatResponse {
	log.Info().Int("message_len", len(message)).Msg("Processing chat message")

	schemaInfo, err := s.retriever.TopMatches(ctx, message)
	if err != nil {
		log.Error().Err(err).Msg("Schema retrieval failed")
		return chatResponse{
			Response: fmt.Sprintf("Error processing your query: %v", err),
			Error:    err.Error(),
		}
	}

	answer, err := s.generator.Generate(ctx, message, schemaInfo)
	if err != nil {
		log.Error().Err(err).Msg("SQL generation failed")
		return chatResponse{
			Response: fmt.Sprintf("Error processing your query: %v", err),
			Error:    err.Error(),
		}
	}

	sqlText := sqlgen.ExtractSQL(answer)
	if sqlText == "" {
		return chatResponse{
			Response: "Could not find a SQL query in the output.",
			Error:    "No SQL query generated",
		}
	}

	log.Debug().Str("sql", sqlText).Msg("Generated SQL")

	resp := chatResponse{
		Response: fmt.Sprintf("Generated SQL:\n```sql\n%s\n```", sqlText),
		SQLQuery: sqlText,
	}

	table, err := s.runner.Run(ctx, sqlText)
	switch {
	case errors.Is(err, query.ErrPermissionDenied):
		resp.Error = "Sorry, you don't have access to that information."
	case err != nil:
		resp.Error = fmt.Sprintf("Error running SQL: %v", err)
	case len(table.Rows) == 0:
		resp.TableData = table
		resp.Error = "Query ran successfully but returned no results."
	default:
		resp.TableData = table
		resp.Response += "\n\nQuery Result:"
	}

	return resp
}
