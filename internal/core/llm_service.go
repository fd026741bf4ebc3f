package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/ideanote/ideabot/internal/store"
)

const (
	defaultArticleModelName = "gemini-1.5-flash-latest"

	articleSystemInstruction = "You are a writing assistant that turns a short idea note into a readable article draft. " +
		"Write in Markdown with a title, a short introduction, three to five sections and a conclusion. " +
		"Stay faithful to the idea. Do not invent facts, statistics or quotes."
)

// LLMService drafts articles with Gemini.
type LLMService struct {
	client    *genai.Client
	modelName string
	log       zerolog.Logger
}

func NewLLMService(ctx context.Context, apiKey, modelName string, log zerolog.Logger) (*LLMService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = defaultArticleModelName
	}
	return &LLMService{client: client, modelName: modelName, log: log}, nil
}

func (s *LLMService) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.log.Error().Err(err).Msg("error closing GenAI client")
		return
	}
	s.log.Info().Msg("GenAI client closed")
}

func (s *LLMService) GenerateArticle(ctx context.Context, category store.Category, ideaText string) (string, error) {
	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(articleSystemInstruction)},
	}
	temp := float32(0.7)
	maxTokens := int32(2048)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(articlePrompt(category, ideaText)))
	if err != nil {
		return "", fmt.Errorf("%w: gemini request: %v", ErrGeneration, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response", ErrGeneration)
	}

	var article strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			article.WriteString(string(txt))
		} else {
			s.log.Debug().Str("part_type", fmt.Sprintf("%T", part)).Msg("skipping non-text gemini part")
		}
	}
	out := strings.TrimSpace(article.String())
	if out == "" {
		return "", fmt.Errorf("%w: no text in response", ErrGeneration)
	}
	return out, nil
}

func articlePrompt(category store.Category, ideaText string) string {
	var b strings.Builder
	b.WriteString("Write an article based on this idea")
	if category != "" {
		fmt.Fprintf(&b, " from the %q category", string(category))
	}
	b.WriteString(":\n\n")
	b.WriteString(ideaText)
	return b.String()
}
