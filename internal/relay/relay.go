// Package relay resolves a requested model, opens an upstream token
// stream, and forwards tokens to the caller while persisting the reply
// into the conversation store as it is generated.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/treechat/treechat-service/internal/audit"
	"github.com/treechat/treechat-service/internal/catalog"
	"github.com/treechat/treechat-service/internal/model"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/security"
	"github.com/treechat/treechat-service/internal/tree"
)

// TokenStream yields upstream tokens one at a time. Recv returns io.EOF
// at the end of the stream.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// Streamer opens an upstream completion stream.
type Streamer interface {
	Stream(ctx context.Context, modelID string, messages []model.ChatMessage) (TokenStream, error)
}

// Request is one chat relay call.
type Request struct {
	Model               string              `json:"model"`
	Messages            []model.ChatMessage `json:"messages"`
	ConversationID      string              `json:"conversationId"`
	AssistantExternalID string              `json:"assistantExternalId"`
	Strict              bool                `json:"strict"`
}

// Relay streams chat completions while checkpointing them into the store.
type Relay struct {
	store    registrystore.ConversationStore
	catalog  *catalog.Service
	audit    audit.Recorder
	streamer Streamer
}

// New assembles a Relay. recorder may be nil.
func New(store registrystore.ConversationStore, cat *catalog.Service, recorder audit.Recorder, streamer Streamer) *Relay {
	if recorder == nil {
		recorder = audit.Noop{}
	}
	return &Relay{store: store, catalog: cat, audit: recorder, streamer: streamer}
}

// ResolveModel maps the request's model onto the enabled set. A
// non-enabled model with strict set is a conflict; otherwise it silently
// falls back to the default. An unspecified model is never strict.
func (r *Relay) ResolveModel(ctx context.Context, req *Request) (string, error) {
	requested := strings.TrimSpace(req.Model)
	resolved, _, err := r.catalog.Resolve(ctx, requested)
	if err != nil {
		return "", err
	}
	if requested != "" && req.Strict && resolved != requested {
		return "", &registrystore.ConflictError{
			Message: fmt.Sprintf("model %q is not enabled", requested),
		}
	}
	return resolved, nil
}

// Serve streams the completion to w, flushing after every token. A
// request that names a conversation but carries no messages is prompted
// with the stored path to the conversation's newest leaf. Tokens
// are also appended best-effort to the target assistant message; a final
// full-content overwrite runs at stream end regardless of append
// failures. Exchanges without a target conversation go to the audit log.
// A mid-stream upstream failure is appended to the transcript as an
// inline marker instead of discarding the partial exchange.
func (r *Relay) Serve(ctx context.Context, req *Request, w io.Writer, flush func()) error {
	modelID, err := r.ResolveModel(ctx, req)
	if err != nil {
		return err
	}

	// A conversation-targeted request with no explicit messages prompts
	// with the stored path to the newest leaf instead.
	if len(req.Messages) == 0 && req.ConversationID != "" {
		snapshot, err := r.store.LoadConversation(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		req.Messages = tree.ChatMessages(*snapshot, tree.LatestLeaf(*snapshot))
	}

	stream, err := r.streamer.Stream(ctx, modelID, req.Messages)
	if err != nil {
		r.record(req, modelID, "", time.Now(), err)
		return &registrystore.UpstreamError{Message: fmt.Sprintf("chat provider unavailable: %v", err)}
	}
	defer stream.Close()

	hasTarget := req.ConversationID != "" && req.AssistantExternalID != ""
	startedAt := time.Now()
	var full strings.Builder
	var streamErr error

	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if token == "" {
			continue
		}
		if security.StreamTokensTotal != nil {
			security.StreamTokensTotal.Inc()
		}
		full.WriteString(token)
		if _, err := io.WriteString(w, token); err != nil {
			// Caller went away. Stop forwarding; the checkpoint below
			// still persists what was generated.
			streamErr = err
			break
		}
		if flush != nil {
			flush()
		}
		if hasTarget {
			if err := r.store.AppendAssistantContent(ctx, req.ConversationID, req.AssistantExternalID, token); err != nil {
				log.Warn("incremental persist failed",
					"conversation", req.ConversationID,
					"message", req.AssistantExternalID,
					"error", err)
			}
		}
	}

	if streamErr != nil {
		marker := fmt.Sprintf(" [stream error: %v]", streamErr)
		full.WriteString(marker)
		if _, err := io.WriteString(w, marker); err == nil && flush != nil {
			flush()
		}
	}

	if hasTarget {
		if err := r.store.OverwriteAssistantContent(ctx, req.ConversationID, req.AssistantExternalID, full.String()); err != nil {
			log.Warn("final persist failed",
				"conversation", req.ConversationID,
				"message", req.AssistantExternalID,
				"error", err)
		}
	} else {
		r.record(req, modelID, full.String(), startedAt, streamErr)
	}
	return nil
}

func (r *Relay) record(req *Request, modelID, response string, startedAt time.Time, streamErr error) {
	r.audit.Record(audit.Entry{
		Model:     modelID,
		Messages:  req.Messages,
		Response:  response,
		StartedAt: startedAt,
		Error:     streamErr,
	})
}

// OpenAIStreamer talks to an OpenAI-compatible chat completion endpoint.
type OpenAIStreamer struct {
	client *openai.Client
}

// NewOpenAIStreamer builds a streamer for the given endpoint.
func NewOpenAIStreamer(apiKey, baseURL string) *OpenAIStreamer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIStreamer{client: openai.NewClientWithConfig(cfg)}
}

func (s *OpenAIStreamer) Stream(ctx context.Context, modelID string, messages []model.ChatMessage) (TokenStream, error) {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: converted,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return &openaiTokenStream{stream: stream}, nil
}

type openaiTokenStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiTokenStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openaiTokenStream) Close() { s.stream.Close() }

// EchoStreamer is the offline fallback: a deterministic whitespace-split
// echo of the caller's latest user turn, so the streaming pipeline is
// exercisable without upstream credentials.
type EchoStreamer struct{}

func (EchoStreamer) Stream(ctx context.Context, modelID string, messages []model.ChatMessage) (TokenStream, error) {
	content := "Hi"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			content = messages[i].Content
			break
		}
	}
	return &echoTokenStream{tokens: splitKeepingWhitespace("Echo: " + content)}, nil
}

type echoTokenStream struct {
	tokens []string
	next   int
}

func (s *echoTokenStream) Recv() (string, error) {
	if s.next >= len(s.tokens) {
		return "", io.EOF
	}
	token := s.tokens[s.next]
	s.next++
	return token, nil
}

func (s *echoTokenStream) Close() {}

// splitKeepingWhitespace splits on whitespace runs but keeps them as
// tokens, so concatenating the stream reproduces the input exactly.
func splitKeepingWhitespace(s string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if i == 0 {
			inSpace = isSpace
			continue
		}
		if isSpace != inSpace {
			out = append(out, s[start:i])
			start = i
			inSpace = isSpace
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
