package contract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Iron-Ham/autowriter/internal/errors"
)

var (
	jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	anyFence  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")

	quoteReplacer = strings.NewReplacer("\u201c", `"`, "\u201d", `"`, "\u2018", "'", "\u2019", "'")
)

// ExtractJSON finds the JSON document in model output. Candidates are tried
// in order: the whole text, a ```json fenced block, any fenced block, the
// outermost balanced object or array. The first candidate
// that is valid JSON wins. If none is, the same search is repeated with
// typographic quotes normalized to ASCII.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "\ufeff")
	if text == "" {
		return "", errors.NewValidationError("output is empty").WithCause(errors.ErrSchemaValidation)
	}

	if out, ok := firstValid(text); ok {
		return out, nil
	}
	if normalized := quoteReplacer.Replace(text); normalized != text {
		if out, ok := firstValid(normalized); ok {
			return out, nil
		}
	}
	return "", errors.NewValidationError("output contains no valid JSON").
		WithValue(preview(text)).
		WithCause(errors.ErrSchemaValidation)
}

func firstValid(text string) (string, bool) {
	candidates := []string{text}
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := anyFence.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	// Whichever bracket opens first is the outermost value.
	obj, objAt := balanced(text, '{', '}')
	arr, arrAt := balanced(text, '[', ']')
	if arrAt >= 0 && (objAt < 0 || arrAt < objAt) {
		candidates = append(candidates, arr)
	}
	if objAt >= 0 {
		candidates = append(candidates, obj)
	}
	if arrAt >= 0 && objAt >= 0 && objAt < arrAt {
		candidates = append(candidates, arr)
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && gjson.Valid(c) {
			return c, true
		}
	}
	return "", false
}

// balanced returns the first substring that opens with open and closes at
// the matching close, skipping delimiters inside string literals, and the
// index it starts at. The index is -1 when there is no such substring.
func balanced(text string, open, close byte) (string, int) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", -1
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], start
			}
		}
	}
	return "", -1
}

func preview(s string) string {
	const max = 120
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// DecodeStageOutput turns raw model output for stage into a validated
// payload. Any failure wraps ErrSchemaValidation.
func DecodeStageOutput(stage StageID, text string) (Payload, error) {
	doc, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	// A bare array is accepted where the payload is a single list.
	if gjson.Parse(doc).IsArray() {
		switch stage {
		case StagePlanning:
			doc = `{"tasks":` + doc + `}`
		case StageDrafting:
			doc = `{"drafts":` + doc + `}`
		case StageStructure:
			return nil, errors.NewValidationError("structure output must be an object").
				WithCause(errors.ErrSchemaValidation)
		}
	}
	return DecodePayload(stage, json.RawMessage(doc))
}

// DecodeDraftContent extracts section content from the output of a single
// drafting call. Writers may answer with a JSON object carrying "content"
// or with the section text itself.
func DecodeDraftContent(text string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	if doc, err := ExtractJSON(trimmed); err == nil {
		if c := gjson.Get(doc, "content"); c.Exists() && c.Type == gjson.String {
			trimmed = strings.TrimSpace(c.String())
		}
	}
	if trimmed == "" {
		return "", errors.NewValidationError("section draft is empty").WithCause(errors.ErrSchemaValidation)
	}
	return trimmed, nil
}
