package bridge

import (
	"strings"

	"dcrelay/internal/types"
)

// Formatter renders the sender attribution prefix of relayed messages.
type Formatter struct {
	template string
	labels   map[types.Network]string
}

// NewFormatter accepts a template with {network} and {sender} placeholders.
func NewFormatter(template, labelA, labelB string) *Formatter {
	if labelA == "" {
		labelA = string(types.NetworkA)
	}
	if labelB == "" {
		labelB = string(types.NetworkB)
	}
	return &Formatter{
		template: template,
		labels: map[types.Network]string{
			types.NetworkA: labelA,
			types.NetworkB: labelB,
		},
	}
}

// Label returns the display label of a network.
func (f *Formatter) Label(network types.Network) string {
	return f.labels[network]
}

// Hint builds the formatting hint for msg. The delivered text is
// hint.Prefix + hint.Body.
func (f *Formatter) Hint(msg *types.BridgeMessage) types.FormattingHint {
	sender := msg.SenderDisplayName
	if sender == "" {
		sender = msg.SenderID
	}
	label := f.Label(msg.SourceNetwork)
	prefix := strings.NewReplacer("{network}", label, "{sender}", sender).Replace(f.template)

	return types.FormattingHint{
		Prefix:        prefix,
		SenderName:    sender,
		SourceNetwork: msg.SourceNetwork,
		SourceLabel:   label,
		Body:          msg.Text,
	}
}

// Render returns the full text to deliver for msg.
func (f *Formatter) Render(msg *types.BridgeMessage) string {
	h := f.Hint(msg)
	return h.Prefix + h.Body
}
