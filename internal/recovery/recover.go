// Package recovery turns free-form model output into a presentation
// response. It never fails: malformed input degrades step by step down to
// raw text with an inferred emotion.
package recovery

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
)

type Outcome string

const (
	// OutcomeParsed: the text, or the object embedded in it, was valid JSON.
	OutcomeParsed Outcome = "parsed"
	// OutcomePartialRecovered: the object was malformed and had to be rebuilt.
	OutcomePartialRecovered Outcome = "partial_recovered"
	// OutcomeFallback: no object could be found; content is the raw text.
	OutcomeFallback Outcome = "fallback"
)

const (
	recoveredColor     = "#00BFFF"
	recoveredThumbnail = "pointing"

	contentMarker    = `"content":"`
	colorTerminator  = `","color"`
	validEscapeBytes = `"\/bfnrt`
)

var (
	colorRe     = regexp.MustCompile(`"color"\s*:\s*"([^"]+)"`)
	thumbnailRe = regexp.MustCompile(`"thumbnail"\s*:\s*"([^"]+)"`)
	// Looser than contentMarker: tolerates whitespace around the separators.
	contentRe = regexp.MustCompile(`(?s)"content"\s*:\s*"(.*)"\s*,\s*"color"`)
)

// Response is the structured reply the model is asked to produce.
type Response struct {
	Content   string `json:"content"`
	Color     string `json:"color"`
	Thumbnail string `json:"thumbnail"`
}

// Result is a Response tagged with how it was obtained. Emotion is only
// meaningful for OutcomeFallback.
type Result struct {
	Response
	Outcome Outcome
	Emotion Emotion
}

// Pipeline runs the recovery ladder. The zero value is not usable; use New.
type Pipeline struct {
	intn func(n int) int
}

type Option func(*Pipeline)

// WithRand sets the source used to pick a safe-default emotion.
func WithRand(r *rand.Rand) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.intn = r.IntN
		}
	}
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{intn: rand.IntN}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultPipeline = New()

// Recover runs the default pipeline.
func Recover(raw string) Result {
	return defaultPipeline.Recover(raw)
}

// Recover tries, in order: the whole text as JSON, the span from the first
// '{' to the last '}', a tolerant rebuild of that span, and finally the raw
// text with a keyword-scored emotion.
func (p *Pipeline) Recover(raw string) Result {
	text := strings.TrimSpace(raw)
	if resp, err := parseStrict(text); err == nil {
		return Result{Response: resp, Outcome: OutcomeParsed}
	}

	candidate := text
	if obj, ok := ExtractObject(text); ok {
		if resp, err := parseStrict(obj); err == nil {
			return Result{Response: resp, Outcome: OutcomeParsed}
		}
		candidate = obj
	}

	if resp, ok := rebuild(candidate); ok {
		return Result{Response: resp, Outcome: OutcomePartialRecovered}
	}

	emotion, matched := ScoreEmotion(raw)
	if !matched {
		emotion = SafeDefaults[p.intn(len(SafeDefaults))]
	}
	return Result{
		Response: Response{
			Content:   raw,
			Color:     emotion.Color().Hex(),
			Thumbnail: emotion.Thumbnail(),
		},
		Outcome: OutcomeFallback,
		Emotion: emotion,
	}
}

// ExtractObject returns the substring from the first '{' to the last '}'.
func ExtractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// parseStrict requires all three fields to be present as strings.
func parseStrict(s string) (Response, error) {
	var wire struct {
		Content   *string `json:"content"`
		Color     *string `json:"color"`
		Thumbnail *string `json:"thumbnail"`
	}
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return Response{}, err
	}
	if wire.Content == nil || wire.Color == nil || wire.Thumbnail == nil {
		return Response{}, fmt.Errorf("recovery: response missing required field")
	}
	return Response{Content: *wire.Content, Color: *wire.Color, Thumbnail: *wire.Thumbnail}, nil
}

// rebuild reassembles a valid object from a malformed one. The content span
// runs from the content marker to the color terminator and is re-escaped;
// color and thumbnail are matched independently and defaulted when absent.
func rebuild(text string) (Response, bool) {
	color := firstGroup(colorRe, text, recoveredColor)
	thumbnail := firstGroup(thumbnailRe, text, recoveredThumbnail)

	if i := strings.Index(text, contentMarker); i >= 0 {
		start := i + len(contentMarker)
		if n := strings.Index(text[start:], colorTerminator); n >= 0 {
			if resp, err := parseStrict(assemble(text[start:start+n], color, thumbnail)); err == nil {
				return resp, true
			}
		}
	}

	if m := contentRe.FindStringSubmatch(text); m != nil {
		if resp, err := parseStrict(assemble(m[1], color, thumbnail)); err == nil {
			return resp, true
		}
	}
	return Response{}, false
}

func assemble(rawContent, color, thumbnail string) string {
	return `{"content":"` + escapeSpan(rawContent) +
		`","color":"` + escapeSpan(color) +
		`","thumbnail":"` + escapeSpan(thumbnail) + `"}`
}

// escapeSpan makes s safe inside a JSON string literal. Escape sequences
// that are already valid are kept as they are; any other backslash, including
// a \u without four hex digits, becomes a literal backslash.
func escapeSpan(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 < len(s) && strings.IndexByte(validEscapeBytes, s[i+1]) >= 0 {
				b.WriteByte(c)
				b.WriteByte(s[i+1])
				i++
				continue
			}
			if isUnicodeEscape(s[i:]) {
				b.WriteString(s[i : i+6])
				i += 5
				continue
			}
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isUnicodeEscape reports whether s starts with \u and four hex digits.
func isUnicodeEscape(s string) bool {
	if len(s) < 6 || s[1] != 'u' {
		return false
	}
	for i := 2; i < 6; i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func firstGroup(re *regexp.Regexp, text, def string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return def
}
