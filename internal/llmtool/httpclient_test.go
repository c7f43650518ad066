package llmtool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// scriptedHTTPServer replays a fixed sequence of wireStep responses: the
// first for POST /sessions, the rest for successive POST
// /sessions/{id}/respond calls, in order.
func scriptedHTTPServer(t *testing.T, steps []wireStep) *httptest.Server {
	t.Helper()
	cursor := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, cursor, len(steps), "server received more requests than scripted")
		step := steps[cursor]
		cursor++
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(step))
	}))
}

func TestHTTPCollaborator_StartSession_ReturnsFirstCall(t *testing.T) {
	srv := scriptedHTTPServer(t, []wireStep{
		{SessionID: "sess-1", Call: &wireCall{ID: "call-1", Verb: "get_price", Symbol: "600519.SH"}},
	})
	defer srv.Close()

	collab := NewHTTPCollaborator(HTTPConfig{BaseURL: srv.URL}, zerolog.Nop())
	session, err := collab.StartSession(context.Background(), Context{Agent: "a", Timestamp: domain.NewDate(2026, 1, 5)})
	require.NoError(t, err)

	call, outcome, err := session.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Equal(t, "call-1", call.ID)
	require.Equal(t, ToolGetPrice, call.Verb)
	require.Equal(t, domain.Symbol("600519.SH"), call.Symbol)
}

func TestHTTPCollaborator_RespondThenOutcome(t *testing.T) {
	srv := scriptedHTTPServer(t, []wireStep{
		{SessionID: "sess-1", Call: &wireCall{ID: "call-1", Verb: "buy", Symbol: "600519.SH", Amount: 100}},
		{Outcome: &wireOutcome{Status: "completed"}},
	})
	defer srv.Close()

	collab := NewHTTPCollaborator(HTTPConfig{BaseURL: srv.URL}, zerolog.Nop())
	session, err := collab.StartSession(context.Background(), Context{Agent: "a"})
	require.NoError(t, err)

	call, _, err := session.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, ToolBuy, call.Verb)

	require.NoError(t, session.Respond(context.Background(), ToolResult{CallID: call.ID, Value: 10.5}))

	nextCall, outcome, err := session.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, nextCall)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.NoError(t, outcome.Err)
}

func TestHTTPSession_Next_BeforeRespond_Errors(t *testing.T) {
	srv := scriptedHTTPServer(t, []wireStep{
		{SessionID: "sess-1", Call: &wireCall{ID: "call-1", Verb: "no_trade"}},
	})
	defer srv.Close()

	collab := NewHTTPCollaborator(HTTPConfig{BaseURL: srv.URL}, zerolog.Nop())
	session, err := collab.StartSession(context.Background(), Context{Agent: "a"})
	require.NoError(t, err)

	_, _, err = session.Next(context.Background())
	require.NoError(t, err)

	_, _, err = session.Next(context.Background())
	require.Error(t, err)
}
