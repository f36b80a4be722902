package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedReply means the backend answered, but not with the expected
// JSON object. The raw text is still shown to the user.
var ErrMalformedReply = errors.New("malformed backend reply")

type backendReply struct {
	Action         string          `json:"action"`
	ReplyText      *string         `json:"reply_text"`
	CTA            *string         `json:"cta"`
	Price          json.RawMessage `json:"price"`
	ScheduleInfo   *string         `json:"schedule_info"`
	Difficulty     string          `json:"difficulty_assessment"`
	Recommendation *string         `json:"recommendation"`
}

// ParseReply decodes the backend's JSON answer into an Action. The object
// is taken from the first "{" to the last "}", so prose or code fences
// around it are tolerated. On any failure it returns a Reply carrying the
// raw text together with an error wrapping ErrMalformedReply.
func ParseReply(content string, preferVoice bool) (Action, error) {
	content = stripThinkingTags(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return rawReply(content, preferVoice), fmt.Errorf("%w: no JSON object", ErrMalformedReply)
	}

	var r backendReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return rawReply(content, preferVoice), fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	if r.Action == "" || r.ReplyText == nil {
		return rawReply(content, preferVoice), fmt.Errorf("%w: missing action or reply_text", ErrMalformedReply)
	}

	text := MarkdownToHTML(*r.ReplyText)
	switch r.Action {
	case ActionReply:
		return Reply{Text: text, PreferVoice: preferVoice}, nil
	case ActionOfferMentorship:
		offer := OfferPackage{Text: text, Price: parsePrice(r.Price)}
		if r.CTA != nil {
			offer.CTA = strings.TrimSpace(*r.CTA)
		}
		return offer, nil
	case ActionScheduleRequest:
		sr := ScheduleRequest{Text: text}
		if r.ScheduleInfo != nil {
			sr.Info = *r.ScheduleInfo
		}
		return sr, nil
	case ActionDocumentationSearch:
		return DocumentationSearch{Text: text}, nil
	default:
		slog.Debug("unknown backend action, treating as reply", "action", r.Action)
		return Reply{Text: text, PreferVoice: preferVoice}, nil
	}
}

func rawReply(content string, preferVoice bool) Reply {
	return Reply{Text: MarkdownToHTML(strings.TrimSpace(content)), PreferVoice: preferVoice}
}

// parsePrice accepts 10000, 10000.0, "10000", "10 000 ₽" and "10000.50"
// (kopecks are dropped). Anything else, or a price above MaxPrice, is no
// price.
func parsePrice(raw json.RawMessage) int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if math.IsNaN(f) || f <= 0 || f > MaxPrice {
			return 0
		}
		return int64(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}

	var digits strings.Builder
	for _, r := range cutFraction(s) {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil || n <= 0 || n > MaxPrice {
		return 0
	}
	return n
}

// cutFraction drops a trailing decimal part: the last '.' or ',' followed
// by one or two digits. "10,000" keeps its thousands separator.
func cutFraction(s string) string {
	s = strings.TrimRightFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	i := strings.LastIndexAny(s, ".,")
	if i < 0 {
		return s
	}
	tail := s[i+1:]
	if len(tail) == 0 || len(tail) > 2 {
		return s
	}
	for _, r := range tail {
		if r < '0' || r > '9' {
			return s
		}
	}
	return s[:i]
}

// --- Markdown → Telegram HTML ---

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")
	inlineCodePattern  = regexp.MustCompile("`([^`\\n]+)`")
	boldPattern        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicPattern      = regexp.MustCompile(`\*([^*\s][^*\n]*?)\*`)
	linkPattern        = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	placeholderPattern = regexp.MustCompile("\x00(\\d+)\x00")
)

// MarkdownToHTML converts the markdown the backend tends to emit into the
// HTML subset Telegram accepts. Code is protected before emphasis runs, so
// "*" and "_" inside code stay literal. Existing HTML tags pass through.
func MarkdownToHTML(text string) string {
	if text == "" {
		return text
	}

	var protected []string
	protect := func(s string) string {
		protected = append(protected, s)
		return "\x00" + strconv.Itoa(len(protected)-1) + "\x00"
	}

	text = fencedBlockPattern.ReplaceAllStringFunc(text, func(m string) string {
		body := fencedBlockPattern.FindStringSubmatch(m)[1]
		return protect("<pre>" + html.EscapeString(strings.TrimRight(body, "\n")) + "</pre>")
	})
	text = inlineCodePattern.ReplaceAllStringFunc(text, func(m string) string {
		body := inlineCodePattern.FindStringSubmatch(m)[1]
		return protect("<code>" + html.EscapeString(body) + "</code>")
	})

	text = boldPattern.ReplaceAllString(text, "<b>$1</b>")
	text = italicPattern.ReplaceAllString(text, "<i>$1</i>")
	text = linkPattern.ReplaceAllString(text, `<a href="$2">$1</a>`)

	if len(protected) > 0 {
		text = placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
			i, err := strconv.Atoi(strings.Trim(m, "\x00"))
			if err != nil || i >= len(protected) {
				return m
			}
			return protected[i]
		})
	}
	return text
}

// Go regexp has no backreferences, so each tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}
