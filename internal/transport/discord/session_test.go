package discord

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"daisysrv/internal/relay"
	kit "daisysrv/internal/transport"
	logx "daisysrv/pkg/logx"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErrorRateLimit(t *testing.T) {
	err := mapError(&discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 2500 * time.Millisecond},
		URL:             "https://discord.com/api/v9/channels/1/messages",
	}})
	var se *kit.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)
	assert.Equal(t, 2500*time.Millisecond, se.RetryAfter)
}

func TestMapErrorRateLimitWithoutDetails(t *testing.T) {
	err := mapError(&discordgo.RateLimitError{})
	var se *kit.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)
	assert.Zero(t, se.RetryAfter)
}

func TestMapErrorREST(t *testing.T) {
	err := mapError(&discordgo.RESTError{
		Response:     &http.Response{StatusCode: http.StatusForbidden},
		ResponseBody: []byte(`{"message": "Missing Access", "code": 50001}`),
	})
	var se *kit.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 403, se.Code)
	assert.Contains(t, se.Body, "Missing Access")
}

func TestMapErrorPassthrough(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	assert.Same(t, base, mapError(base))
	assert.NoError(t, mapError(nil))
}

func TestToEmbed(t *testing.T) {
	e := toEmbed(relay.StructuredMessage{
		Title:     "Steve has made the advancement",
		Color:     0xffaa00,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Footer:    &relay.EmbedFooter{Text: "Stone Age"},
		Fields:    []relay.Field{{Name: "a", Value: "b", Inline: true}},
	})
	assert.Equal(t, discordgo.EmbedTypeRich, e.Type)
	assert.Equal(t, "2024-03-01T10:00:00Z", e.Timestamp)
	assert.Equal(t, "Stone Age", e.Footer.Text)
	require.Len(t, e.Fields, 1)
	assert.True(t, e.Fields[0].Inline)
	assert.Nil(t, e.Author)
}

func TestToInbound(t *testing.T) {
	s, err := New(Config{Token: "abc"}, logx.Nop())
	require.NoError(t, err)
	s.selfID.Store("999")

	msg := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1",
		ChannelID: "42",
		Content:   "hello",
		Author:    &discordgo.User{ID: "7", Username: "alex", GlobalName: "Alex"},
		Member:    &discordgo.Member{Nick: "Alexander"},
	}}
	in, ok := s.toInbound(msg)
	require.True(t, ok)
	assert.Equal(t, "Alexander", in.AuthorName)
	assert.Equal(t, "42", in.ChannelID)
	assert.False(t, in.IsBot)

	msg.Author.ID = "999"
	_, ok = s.toInbound(msg)
	assert.False(t, ok, "own messages are ignored")
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}
