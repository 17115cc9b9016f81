package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rclaim/claimd/internal/claim"
)

const fixturePage = `
<html>
  <body>
    <div class="claim-cell">
      <span class="claim-code">X1-Y2</span>
      <span class="claim-owner">guild #7</span>
    </div>
    <div class="claim-cell">
      <span class="claim-code">ignored</span>
    </div>
  </body>
</html>`

func fixtureStrategy() *SelectorStrategy {
	return &SelectorStrategy{
		Root: ".claim-cell",
		Fields: map[string]string{
			"code":  ".claim-code",
			"owner": ".claim-owner",
		},
		Required:        []string{"code"},
		RejectedMarkers: []string{"already claimed", "code expired"},
	}
}

func doc(body string) *claim.Document {
	return &claim.Document{URL: "https://example.com/claim/1", StatusCode: 200, Body: []byte(body)}
}

func TestExtractFields(t *testing.T) {
	t.Parallel()

	result, err := fixtureStrategy().Extract(doc(fixturePage))
	require.NoError(t, err)
	require.Equal(t, "X1-Y2", result.Fields["code"])
	require.Equal(t, "guild #7", result.Fields["owner"])
	require.Equal(t, "https://example.com/claim/1", result.Target)
}

func TestExtractDeterministic(t *testing.T) {
	t.Parallel()

	s := fixtureStrategy()
	first, err := s.Extract(doc(fixturePage))
	require.NoError(t, err)
	second, err := s.Extract(doc(fixturePage))
	require.NoError(t, err)
	require.Equal(t, first.Fields, second.Fields)
}

func TestExtractRejectedPage(t *testing.T) {
	t.Parallel()

	page := `<html><body><p>Sorry, this reward was already claimed.</p></body></html>`
	_, err := fixtureStrategy().Extract(doc(page))

	var rejected *claim.RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, "already claimed", rejected.Reason)
}

func TestExtractMissingRequiredField(t *testing.T) {
	t.Parallel()

	page := `<html><body><div class="claim-cell"><span class="claim-owner">nobody</span></div></body></html>`
	_, err := fixtureStrategy().Extract(doc(page))

	var pe *claim.ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, claim.ParseSelectorMissing, pe.Kind)
}

func TestExtractUnexpectedSchema(t *testing.T) {
	t.Parallel()

	page := `<html><body><p>totally different layout</p></body></html>`
	_, err := fixtureStrategy().Extract(doc(page))

	var pe *claim.ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, claim.ParseUnexpectedSchema, pe.Kind)
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "scriptalertxssscript", Sanitize("<script>alert('xss')</script>"))
	require.Equal(t, "Test", Sanitize("Test@!%"))
	require.Equal(t, "guild #7", Sanitize("  guild   #7  "))
	require.Equal(t, "X1-Y2", Sanitize("X1-Y2"))
}

func TestRegistrySelect(t *testing.T) {
	t.Parallel()

	perHost := fixtureStrategy()
	reg := NewRegistry(nil)
	reg.Register("Example.COM", perHost)

	got, err := reg.Select("example.com")
	require.NoError(t, err)
	require.Same(t, claim.Strategy(perHost), got)

	_, err = reg.Select("unknown.example")
	require.Error(t, err)

	fallback := &SelectorStrategy{Fields: map[string]string{"code": ".code"}}
	regWithFallback := NewRegistry(fallback)
	got, err = regWithFallback.Select("unknown.example")
	require.NoError(t, err)
	require.Same(t, claim.Strategy(fallback), got)
}
