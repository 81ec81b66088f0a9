package markdown

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var liveMention = regexp.MustCompile(`@[\p{L}\p{N}_!&]`)

func TestNeutralizeMentions(t *testing.T) {
	cases := map[string]string{
		"hi @everyone":     "hi @" + ZWSP + "everyone",
		"@here now":        "@" + ZWSP + "here now",
		"ping <@123>":      "ping <@" + ZWSP + "123>",
		"role <@&42>":      "role <@" + ZWSP + "&42>",
		"nick <@!7>":       "nick <@" + ZWSP + "!7>",
		"a @ b":            "a @ b",
		"no mentions here": "no mentions here",
	}
	for in, want := range cases {
		assert.Equal(t, want, NeutralizeMentions(in), in)
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `\*\*bold\*\*`, Escape("**bold**"))
	assert.Equal(t, `snake\_case`, Escape("snake_case"))
	assert.Equal(t, `already \* escaped`, Escape(`already \* escaped`))
	assert.Equal(t, `\\\*`, Escape(`\\*`))
	assert.Equal(t, `path\\to`, Escape(`path\to`))
	assert.Equal(t, `Steve\\`, Escape(`Steve\`))
	assert.Equal(t, `Steve\\`, Escape(Escape(`Steve\`)))
	assert.Equal(t, "plain", Escape("plain"))
}

func TestSanitizeSafeAndIdempotent(t *testing.T) {
	alphabet := []string{"@", "everyone", "here", "<@", "&", "!", "12", "*", "_", "~", "`", "|", ">", `\`, " ", "é", "name", ZWSP}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		var b strings.Builder
		for j := rng.Intn(24); j >= 0; j-- {
			b.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		in := b.String()
		out := Sanitize(in, 2000)

		require.False(t, liveMention.MatchString(out), "input %q output %q", in, out)
		require.Equal(t, out, Sanitize(out, 2000), "not idempotent for %q", in)
	}
}

func TestEscapedBackslashKeepsTemplateDelimiters(t *testing.T) {
	got := strings.ReplaceAll("**{username}**: hi", "{username}", Escape(`Steve\`))
	assert.Equal(t, `**Steve\\**: hi`, got)
}

func TestSanitizeIdempotentAcrossCut(t *testing.T) {
	for _, in := range []string{`ab\cd`, `a\\b*c`, `x*y*z`, `trailing\`} {
		for max := 2; max <= 8; max++ {
			out := Sanitize(in, max)
			assert.LessOrEqual(t, Len(out), max, in)
			assert.Equal(t, out, Sanitize(out, max), "in %q max %d", in, max)
		}
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "ab…", Truncate(`ab\*cd`, 4))
	assert.Equal(t, `a\\…`, Truncate(`a\\bcd`, 4))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab…", Truncate("abcd", 3))
	assert.Equal(t, 3, Len(Truncate("ééééé", 3)))
	assert.Equal(t, "abcd", Truncate("abcd", 0))
}

func TestSafeInCodeBlock(t *testing.T) {
	out := SafeInCodeBlock("x ```` y")
	assert.NotContains(t, out, "```")
	assert.Equal(t, out, SafeInCodeBlock(out))
}
