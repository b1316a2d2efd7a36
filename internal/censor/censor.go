// Package censor masks profanity in chat text.
package censor

import (
	"strings"

	goaway "github.com/TwiN/go-away"
	"go.uber.org/zap"
)

const rawPatternPrefix = "raw:"

type Config struct {
	// ExtraPhrases are matched in addition to the built-in dictionary.
	ExtraPhrases []string
	Logger       *zap.Logger
}

// Censor replaces offensive spans with asterisks. Matching is case-insensitive
// and sees through common character substitutions.
type Censor struct {
	detector *goaway.ProfanityDetector
	extra    []string
}

func New(cfg Config) *Censor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	extra := make([]string, 0, len(cfg.ExtraPhrases))
	for _, phrase := range cfg.ExtraPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if strings.HasPrefix(phrase, rawPatternPrefix) {
			logger.Warn("chat censor pattern ignored", zap.String("phrase", phrase))
			continue
		}
		extra = append(extra, phrase)
	}

	profanities := make([]string, 0, len(goaway.DefaultProfanities)+len(extra))
	profanities = append(profanities, goaway.DefaultProfanities...)
	profanities = append(profanities, extra...)

	detector := goaway.NewProfanityDetector().
		WithSanitizeLeetSpeak(true).
		WithSanitizeSpecialCharacters(true).
		WithSanitizeAccents(true).
		WithCustomDictionary(profanities, goaway.DefaultFalsePositives, goaway.DefaultFalseNegatives)

	return &Censor{detector: detector, extra: extra}
}

// Mask returns text with every matched span replaced. Clean text is returned unchanged.
func (c *Censor) Mask(text string) string {
	if text == "" {
		return text
	}
	return c.detector.Censor(text)
}
