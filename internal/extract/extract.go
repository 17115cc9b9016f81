// Package extract turns fetched HTML documents into structured claim results.
// Strategies are pure over the document bytes, which keeps them testable
// against fixture pages without any network.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/rclaim/claimd/internal/claim"
)

// SelectorStrategy extracts named fields via CSS selectors. Rejection markers
// are checked first: a page that states the claim is spent is a business
// outcome, never a parse fault.
type SelectorStrategy struct {
	// Root, when set, must match at least once or the page is treated as
	// having an unexpected schema.
	Root string
	// Fields maps result field names to selectors scoped under Root.
	Fields map[string]string
	// Required lists field names that must extract non-empty text.
	Required []string
	// RejectedMarkers are text snippets whose presence means the claim is
	// already used ("already claimed", "code expired", ...).
	RejectedMarkers []string
}

// Extract implements claim.Strategy.
func (s *SelectorStrategy) Extract(doc *claim.Document) (*claim.Result, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, &claim.ParseError{Kind: claim.ParseMalformedMarkup, Detail: err.Error()}
	}

	if reason := s.rejectionReason(page); reason != "" {
		return nil, &claim.RejectedError{Reason: reason}
	}

	scope := page.Selection
	if s.Root != "" {
		root := page.Find(s.Root)
		if root.Length() == 0 {
			return nil, &claim.ParseError{
				Kind:   claim.ParseUnexpectedSchema,
				Detail: fmt.Sprintf("root selector %q matched nothing", s.Root),
			}
		}
		scope = root.First()
	}

	fields := make(map[string]string, len(s.Fields))
	for name, selector := range s.Fields {
		text := Sanitize(scope.Find(selector).First().Text())
		if text != "" {
			fields[name] = text
		}
	}
	for _, name := range s.Required {
		if fields[name] == "" {
			return nil, &claim.ParseError{
				Kind:   claim.ParseSelectorMissing,
				Detail: fmt.Sprintf("required field %q extracted no text", name),
			}
		}
	}

	return &claim.Result{Target: doc.URL, Fields: fields}, nil
}

func (s *SelectorStrategy) rejectionReason(page *goquery.Document) string {
	if len(s.RejectedMarkers) == 0 {
		return ""
	}
	body := strings.ToLower(page.Text())
	for _, marker := range s.RejectedMarkers {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker != "" && strings.Contains(body, marker) {
			return marker
		}
	}
	return ""
}

// Sanitize strips markup-significant characters from extracted text, keeping
// letters, digits, whitespace, and a small symbol allowlist, then collapses
// surrounding whitespace.
func Sanitize(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '#' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Registry selects a strategy by target host, with an optional fallback.
// Strategy registration happens at startup from configuration; the engine
// never hardcodes target-specific rules.
type Registry struct {
	byHost   map[string]claim.Strategy
	fallback claim.Strategy
}

// NewRegistry builds a strategy Registry.
func NewRegistry(fallback claim.Strategy) *Registry {
	return &Registry{
		byHost:   make(map[string]claim.Strategy),
		fallback: fallback,
	}
}

// Register binds a strategy to a hostname.
func (r *Registry) Register(host string, strategy claim.Strategy) {
	r.byHost[strings.ToLower(host)] = strategy
}

// Select returns the strategy for host.
func (r *Registry) Select(host string) (claim.Strategy, error) {
	if s, ok := r.byHost[strings.ToLower(host)]; ok {
		return s, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no extraction strategy for host %q", host)
}
