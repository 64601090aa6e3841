package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"dcrelay/internal/types"
)

func TestWebhookUsername(t *testing.T) {
	tests := []struct {
		name string
		hint types.FormattingHint
		want string
	}{
		{"labelled", types.FormattingHint{SenderName: "Bob", SourceLabel: "DC"}, "[DC] Bob"},
		{"no label", types.FormattingHint{SenderName: " Bob "}, "Bob"},
		{"empty sender", types.FormattingHint{SourceLabel: "DC"}, "[DC] Unknown"},
		{"reserved word", types.FormattingHint{SenderName: "my Discord fan", SourceLabel: "B"}, "[B] my disc0rd fan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, webhookUsername(tt.hint))
		})
	}

	long := webhookUsername(types.FormattingHint{SenderName: strings.Repeat("ä", 120), SourceLabel: "B"})
	assert.Equal(t, maxWebhookUsername, utf8.RuneCountInString(long))
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestReplaceFold(t *testing.T) {
	assert.Equal(t, "disc0rd and disc0rd", replaceFold("DISCORD and discord", "discord", "disc0rd"))
	assert.Equal(t, "nothing here", replaceFold("nothing here", "discord", "disc0rd"))
}
