// Package ai wraps the OpenAI API behind the narrow set of operations
// the assistance pipeline needs: embeddings for document search plus a
// few tightly-scoped chat completions. Prompts ask for line-oriented
// responses ("Summary: ...", "Topics: ...") so parsing stays trivial
// and a misbehaving model degrades to empty fields instead of errors.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"

	"github.com/livecall/backend/internal/types"
)

// Client talks to OpenAI with fixed models chosen at startup.
type Client struct {
	client     openai.Client
	chatModel  string
	embedModel string
	logger     zerolog.Logger
}

func NewClient(apiKey, chatModel, embedModel string, logger zerolog.Logger) *Client {
	return &Client{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		chatModel:  chatModel,
		embedModel: embedModel,
		logger:     logger.With().Str("component", "ai").Logger(),
	}
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: c.embedModel,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response has no data")
	}
	return resp.Data[0].Embedding, nil
}

// AnalyzeContext extracts the customer's issue and the searchable topics
// from recent turns.
func (c *Client) AnalyzeContext(ctx context.Context, turns []types.TranscriptTurn) (string, []string, error) {
	conversation := formatConversation(turns)
	if conversation == "" {
		return "", nil, nil
	}

	prompt := fmt.Sprintf(`Analyze this customer service conversation and extract information that would be useful for searching documentation:

1. What is the customer's main issue or question? (Be specific)
2. What product features, services, or processes are being discussed?
3. Are there any error messages, specific problems, or technical terms mentioned?
4. What action is the customer trying to perform?

Conversation:
%s

Response format:
Summary: <specific description of the customer's issue>
Topics: <relevant search terms, product names, features, error messages, etc>
`, conversation)

	content, err := c.complete(ctx, "You are a helpful assistant analyzing customer service calls.", prompt, 200)
	if err != nil {
		return "", nil, err
	}

	var summary string
	var topics []string
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "Summary:"):
			summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
		case strings.HasPrefix(line, "Topics:"):
			topics = splitList(strings.TrimPrefix(line, "Topics:"), ",")
		}
	}
	return summary, topics, nil
}

// GenerateSearchQuery turns the analyzed context into one retrieval
// query. Callers fall back to raw text when this fails, so errors are
// returned rather than swallowed.
func (c *Client) GenerateSearchQuery(ctx context.Context, summary string, topics []string) (string, error) {
	if summary == "" && len(topics) == 0 {
		return "", nil
	}

	prompt := fmt.Sprintf(`You are searching a knowledge base to help a customer service agent. Based on this context, generate the BEST search query to find relevant documentation.

Customer Issue: %s
Key Topics: %s

Generate a search query that would match relevant help articles, policies, or troubleshooting guides. Focus on:
- The specific problem or question
- Product/feature names
- Error messages or symptoms
- Actions the customer is trying to perform

Search query (be specific but concise):`, summary, strings.Join(topics, ", "))

	content, err := c.complete(ctx, "You are a search query optimizer for customer service documentation.", prompt, 100)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// SummarizeCall produces the end-of-call summary broadcast once a call
// reaches a terminal state.
func (c *Client) SummarizeCall(ctx context.Context, turns []types.TranscriptTurn) (types.CallSummary, error) {
	conversation := formatConversation(turns)
	if conversation == "" {
		return types.CallSummary{Summary: "No conversation to summarize", Sentiment: "neutral", SentimentScore: 0.5}, nil
	}

	prompt := fmt.Sprintf(`Analyze this complete customer service call and provide:
1. Executive summary (2-3 sentences)
2. Key topics discussed
3. Action items or follow-ups needed
4. Overall customer sentiment (positive/neutral/negative)

Conversation:
%s

Response format:
Summary: <summary>
Topics: <topic1>, <topic2>, <topic3>
Action Items: <item1>; <item2>
Sentiment: <sentiment>
`, conversation)

	content, err := c.complete(ctx, "You are an expert at summarizing customer service calls.", prompt, 500)
	if err != nil {
		return types.CallSummary{}, err
	}

	out := types.CallSummary{Sentiment: "neutral", TurnCount: len(turns)}
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "Summary:"):
			out.Summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
		case strings.HasPrefix(line, "Topics:"):
			out.KeyTopics = splitList(strings.TrimPrefix(line, "Topics:"), ",")
		case strings.HasPrefix(line, "Action Items:"):
			out.ActionItems = splitList(strings.TrimPrefix(line, "Action Items:"), ";")
		case strings.HasPrefix(line, "Sentiment:"):
			out.Sentiment = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "Sentiment:")))
		}
	}
	out.SentimentScore = sentimentScore(out.Sentiment)
	return out, nil
}

// SummarizeConversation answers on-demand summary requests from agents
// watching a live call.
func (c *Client) SummarizeConversation(ctx context.Context, conversation string) (string, error) {
	if conversation == "" {
		return "No conversation to summarize", nil
	}

	prompt := fmt.Sprintf(`Please provide a brief 2-3 sentence summary of this customer service conversation. Focus on the main issue and current status:

%s

Summary:`, conversation)

	content, err := c.complete(ctx, "You are a helpful assistant that creates concise summaries of customer service conversations.", prompt, 150)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(content)
	summary = strings.TrimSpace(strings.TrimPrefix(summary, "Summary:"))
	return summary, nil
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(0.3),
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func formatConversation(turns []types.TranscriptTurn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		speaker := "Agent"
		if t.Speaker == types.SpeakerCustomer {
			speaker = "Customer"
		}
		lines = append(lines, speaker+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sentimentScore(sentiment string) float64 {
	switch sentiment {
	case "positive":
		return 0.8
	case "negative":
		return 0.2
	default:
		return 0.5
	}
}
