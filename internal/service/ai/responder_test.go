package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

// recordingModel echoes the last user turn and remembers what it was sent.
type recordingModel struct {
	seen []*schema.Message
}

func (m *recordingModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.seen = input
	return schema.AssistantMessage("echo: "+input[len(input)-1].Content, nil), nil
}

func (m *recordingModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.seen = input
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("echo: ", nil),
		schema.AssistantMessage(input[len(input)-1].Content, nil),
	}), nil
}

func (m *recordingModel) BindTools(_ []*schema.ToolInfo) error {
	return nil
}

var conversation = []chat.Message{
	{ID: 1, Role: chat.RoleUser, Content: "q1"},
	{ID: 2, Role: chat.RoleAssistant, Content: "a1"},
	{ID: 3, Role: chat.RoleUser, Content: "q2"},
	{ID: 4, Role: chat.RoleAssistant, Content: "a2"},
	{ID: 5, Role: chat.RoleUser, Content: "q3"},
}

func TestSplitHistory(t *testing.T) {
	earlier, query := splitHistory(conversation, 2)
	assert.Equal(t, "q3", query)
	require.Len(t, earlier, 2)
	assert.Equal(t, "q2", earlier[0].Content)

	earlier, query = splitHistory(conversation[:2], 0)
	assert.Equal(t, "", query)
	assert.Len(t, earlier, 2)

	earlier, query = splitHistory(nil, 3)
	assert.Empty(t, earlier)
	assert.Empty(t, query)
}

func TestChainResponderRespond(t *testing.T) {
	m := &recordingModel{}
	r, err := NewChainResponder(context.Background(), m, "be kind", 2)
	require.NoError(t, err)

	reply, err := r.Respond(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, "echo: q3", reply)

	require.Len(t, m.seen, 4)
	assert.Equal(t, schema.System, m.seen[0].Role)
	assert.Equal(t, "be kind", m.seen[0].Content)
	assert.Equal(t, "q2", m.seen[1].Content)
	assert.Equal(t, "a2", m.seen[2].Content)
	assert.Equal(t, "q3", m.seen[3].Content)
}

func TestChainResponderStream(t *testing.T) {
	r, err := NewChainResponder(context.Background(), &recordingModel{}, "", 10)
	require.NoError(t, err)

	var deltas []string
	reply, err := r.Stream(context.Background(), conversation, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "echo: q3", reply)
	assert.Equal(t, []string{"echo: ", "q3"}, deltas)
}

func TestNewChainResponderRequiresModel(t *testing.T) {
	_, err := NewChainResponder(context.Background(), nil, "", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIResponder(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "hello there"},
			}},
		})
	}))
	defer srv.Close()

	r, err := NewOpenAIResponder(OpenAIOptions{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "test-model", HistoryLimit: 2})
	require.NoError(t, err)

	reply, err := r.Respond(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "q3", got.Messages[3].Content)
}

func TestOpenAIResponderRequiresKey(t *testing.T) {
	_, err := NewOpenAIResponder(OpenAIOptions{Model: "m"})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Respond(context.Background(), conversation)
	assert.ErrorIs(t, err, ErrUnavailable)
}
