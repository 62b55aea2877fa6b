package service

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"
)

// PromptWriter produces prompt text
type PromptWriter interface {
	Optimize(ctx context.Context, text string) (string, error)
	Random(ctx context.Context, theme string) (string, error)
}

// PromptService serves the prompt text operations
type PromptService struct {
	writer    PromptWriter
	maxLength int
	logger    *zap.Logger
}

// NewPromptService creates a prompt service. Answers longer than maxLength
// runes are truncated.
func NewPromptService(writer PromptWriter, maxLength int, logger *zap.Logger) *PromptService {
	return &PromptService{
		writer:    writer,
		maxLength: maxLength,
		logger:    logger.Named("prompt"),
	}
}

// Optimize rewrites text into a more detailed prompt
func (s *PromptService) Optimize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyPrompt
	}
	out, err := s.writer.Optimize(ctx, truncatePrompt(text, s.maxLength))
	if err != nil {
		s.logger.Warn("Prompt optimization failed", zap.Error(err))
		return "", err
	}
	return truncatePrompt(out, s.maxLength), nil
}

// Random invents a prompt around an optional theme
func (s *PromptService) Random(ctx context.Context, theme string) (string, error) {
	out, err := s.writer.Random(ctx, truncatePrompt(theme, s.maxLength))
	if err != nil {
		s.logger.Warn("Random prompt failed", zap.Error(err))
		return "", err
	}
	return truncatePrompt(out, s.maxLength), nil
}

// truncatePrompt safely truncates a string to the specified length while preserving UTF-8 characters
func truncatePrompt(s string, length int) string {
	if length <= 0 || utf8.RuneCountInString(s) <= length {
		return s
	}

	var size, n int
	for i := 0; i < length && n < len(s); i++ {
		_, size = utf8.DecodeRuneInString(s[n:])
		n += size
	}

	return s[:n]
}
