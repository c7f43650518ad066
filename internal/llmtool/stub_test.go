package llmtool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStubServer_RepliesScriptThenOutcome(t *testing.T) {
	server := &StubServer{
		Script: []ScriptedCall{
			{Call: ToolCall{ID: "1", Verb: ToolGetPrice, Symbol: "600519.SH"}},
			{Call: ToolCall{ID: "2", Verb: ToolBuy, Symbol: "600519.SH", Amount: 10}},
		},
		Outcome: Outcome{Status: OutcomeCompleted},
	}

	session, err := server.StartSession(context.Background(), Context{Agent: "agent-a"})
	require.NoError(t, err)

	call, outcome, err := session.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, call)
	require.Nil(t, outcome)
	require.Equal(t, ToolGetPrice, call.Verb)
	require.NoError(t, session.Respond(context.Background(), ToolResult{CallID: call.ID, Value: 10.5}))

	call, outcome, err = session.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, call)
	require.Equal(t, ToolBuy, call.Verb)
	require.NoError(t, session.Respond(context.Background(), ToolResult{CallID: call.ID}))

	call, outcome, err = session.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, call)
	require.NotNil(t, outcome)
	require.Equal(t, OutcomeCompleted, outcome.Status)

	stub := session.(*StubSession)
	require.Len(t, stub.Results(), 2)
}

func TestStubServer_NextBeforeRespondErrors(t *testing.T) {
	server := &StubServer{Script: []ScriptedCall{{Call: ToolCall{ID: "1", Verb: ToolNoTrade}}}}
	session, err := server.StartSession(context.Background(), Context{})
	require.NoError(t, err)

	_, _, err = session.Next(context.Background())
	require.NoError(t, err)

	_, _, err = session.Next(context.Background())
	require.Error(t, err, "calling Next again before Respond must error")
}

func TestToolVerb_IsTradeVerb(t *testing.T) {
	require.True(t, ToolBuy.IsTradeVerb())
	require.True(t, ToolSell.IsTradeVerb())
	require.True(t, ToolNoTrade.IsTradeVerb())
	require.False(t, ToolGetPrice.IsTradeVerb())
	require.False(t, ToolGetNews.IsTradeVerb())
}
