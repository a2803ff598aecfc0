package ingest

import (
	"encoding/json"
	"strings"
)

// Sentiments accepted in an Analysis. Anything else becomes neutral.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentQuestion = "question"
)

// UnclassifiedCategory is used when the model gives no category.
const UnclassifiedCategory = "Unclassified"

// Analysis is the classification of one feedback message.
type Analysis struct {
	Sentiment      string `json:"sentiment"`
	Category       string `json:"category"`
	IsSecurityRisk bool   `json:"is_security_risk"`
}

// DefaultAnalysis is returned whenever the model output cannot be used.
func DefaultAnalysis() Analysis {
	return Analysis{Sentiment: SentimentNeutral, Category: UnclassifiedCategory}
}

// ParseAnalysis extracts the first balanced JSON object from raw model output
// and decodes it. It never fails: unusable output yields DefaultAnalysis.
func ParseAnalysis(raw string) Analysis {
	obj, ok := firstJSONObject(raw)
	if !ok {
		return DefaultAnalysis()
	}

	var wire struct {
		Sentiment      string          `json:"sentiment"`
		Category       string          `json:"category"`
		IsSecurityRisk json.RawMessage `json:"is_security_risk"`
	}
	if err := json.Unmarshal([]byte(obj), &wire); err != nil {
		return DefaultAnalysis()
	}

	a := Analysis{
		Sentiment:      strings.ToLower(strings.TrimSpace(wire.Sentiment)),
		Category:       strings.TrimSpace(wire.Category),
		IsSecurityRisk: parseLooseBool(wire.IsSecurityRisk),
	}
	switch a.Sentiment {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentQuestion:
	default:
		a.Sentiment = SentimentNeutral
	}
	if a.Category == "" {
		a.Category = UnclassifiedCategory
	}
	return a
}

// parseLooseBool accepts true, "true" and "yes" in any case. Everything else,
// including a missing field, is false.
func parseLooseBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes":
			return true
		}
	}
	return false
}

// firstJSONObject returns the first balanced {...} substring of s. Braces
// inside string literals are ignored.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
