package window

import (
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filler(n int) string {
	return strings.Repeat("x", n)
}

func TestVariants(t *testing.T) {
	t.Parallel()
	v := Variants("  Acme   Widget Pro ")
	require.NotEmpty(t, v)
	assert.Equal(t, "Acme Widget Pro", v[0])
	assert.Equal(t, "Acme Widget", v[1])
	assert.Contains(t, v, "Acme Widget Mini")
	assert.Contains(t, v, "Acme Widget 4K")

	// The suffixed base equals the product itself and is not repeated.
	count := 0
	for _, s := range v {
		if strings.EqualFold(s, "acme widget pro") {
			count++
		}
	}
	assert.Equal(t, 1, count)

	assert.Nil(t, Variants("   "))
	assert.Equal(t, "Pro", Variants("Pro")[0])
}

func TestPositions_CaseInsensitiveAndDistinct(t *testing.T) {
	t.Parallel()
	text := "acme widget pro 2.0 ... ACME WIDGET 1.9 ... Acme Widget Mini"
	assert.Equal(t, []int{0, 24, 44}, Positions(text, "Acme Widget"))
	assert.Nil(t, Positions(text, "Other Thing"))
	assert.Nil(t, Positions("", "Acme Widget"))
}

func TestExtractSmartContent_NoMentionFallsBack(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("no mention here. ", 200)
	res := ExtractSmartContent(text, "Acme Widget", 1000)

	assert.False(t, res.FoundProduct)
	assert.Equal(t, MethodFallback, res.Method)
	assert.Equal(t, text[:1000], res.Content)
}

func TestExtract_WindowCenteredOnMention(t *testing.T) {
	t.Parallel()
	text := filler(6000) + "Acme Widget 3.2" + filler(6000)
	res := Extract(text, "Acme Widget", 0, 5000)

	require.True(t, res.FoundProduct)
	assert.Equal(t, MethodWindowed, res.Method)
	assert.Equal(t, 1, res.Windows)
	assert.Len(t, res.Content, 5000)
	assert.Equal(t, 2500, strings.Index(res.Content, "Acme Widget"))
}

func TestExtract_ClampsAtEdges(t *testing.T) {
	t.Parallel()
	text := "Acme Widget 1.0" + filler(8000)
	res := Extract(text, "Acme Widget", 0, 5000)
	assert.True(t, strings.HasPrefix(res.Content, "Acme Widget 1.0"))
	assert.Len(t, res.Content, 5000)

	text = filler(8000) + "Acme Widget 1.0"
	res = Extract(text, "Acme Widget", 0, 5000)
	assert.True(t, strings.HasSuffix(res.Content, "Acme Widget 1.0"))
	assert.Len(t, res.Content, 5000)

	short := "see Acme Widget"
	assert.Equal(t, short, Extract(short, "Acme Widget", 0, 5000).Content)
}

func TestExtract_MergesOverlappingWindows(t *testing.T) {
	t.Parallel()
	text := filler(10000) + "Acme Widget 2.0" + filler(500) + "Acme Widget 1.9" + filler(10000)
	res := Extract(text, "Acme Widget", 0, 5000)

	assert.Equal(t, 2, res.Matches)
	assert.Equal(t, 1, res.Windows)
	assert.NotContains(t, res.Content, Separator)
	assert.Contains(t, res.Content, "Acme Widget 2.0")
	assert.Contains(t, res.Content, "Acme Widget 1.9")
}

func TestExtract_AtMostFiveWindows(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 7; i++ {
		b.WriteString(filler(3000))
		b.WriteString("Acme Widget v")
		b.WriteByte(byte('1' + i))
	}
	b.WriteString(filler(3000))

	res := Extract(b.String(), "Acme Widget", 0, 1000)
	assert.Equal(t, 7, res.Matches)
	assert.Equal(t, 5, res.Windows)
	assert.Equal(t, 4, strings.Count(res.Content, Separator))
	assert.Contains(t, res.Content, "Acme Widget v5")
	assert.NotContains(t, res.Content, "Acme Widget v6")
}

func TestExtract_MaxCharsTruncatesAndKeepsMention(t *testing.T) {
	t.Parallel()
	text := filler(4000) + "Acme Widget 5.0" + filler(4000) + "Acme Widget 4.0" + filler(4000)
	res := Extract(text, "Acme Widget", 1000, 5000)

	assert.Len(t, res.Content, 1000)
	assert.Contains(t, res.Content, "Acme Widget 5.0")
	assert.Equal(t, 1, res.Windows)

	res = Extract(text, "Acme Widget", 1500, 1000)
	assert.LessOrEqual(t, len(res.Content), 1500)
	assert.Equal(t, 2, res.Windows)
	assert.Contains(t, res.Content, "Acme Widget 5.0")
	assert.Contains(t, res.Content, "Acme Widget 4.0")
}

func TestExtract_Properties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 11))
	pieces := []string{"lorem ", "ipsum\n", "Ünïcödé ", "Acme Widget ", "acme widget pro ", "日本語 ", "2.4.1 "}

	for i := 0; i < 300; i++ {
		var b strings.Builder
		for n := rng.IntN(400); n > 0; n-- {
			b.WriteString(pieces[rng.IntN(len(pieces))])
		}
		text := b.String()
		maxChars := 1 + rng.IntN(3000)
		res := Extract(text, "Acme Widget", maxChars, 1+rng.IntN(2000))

		require.LessOrEqual(t, len(res.Content), maxChars)
		require.True(t, utf8.ValidString(res.Content))
		if res.FoundProduct {
			continue
		}
		require.True(t, strings.HasPrefix(text, res.Content))
		require.NotContains(t, strings.ToLower(text), "acme widget")
	}
}

func TestExtract_FoundWindowContainsMention(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 200; i++ {
		pre, post := rng.IntN(20000), rng.IntN(20000)
		text := strings.Repeat("é", pre/2) + "ACME widget" + strings.Repeat("z", post)
		res := Extract(text, "Acme Widget", 50+rng.IntN(6000), 1+rng.IntN(6000))
		require.True(t, res.FoundProduct)
		require.Contains(t, res.Content, "ACME widget")
	}
}
