package discord

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"dcrelay/internal/types"
)

// ClassifyError maps a send failure onto the delivery error taxonomy.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, errNotConnected) {
		return types.Transient("gateway down", err)
	}

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return types.Transient("rate limited", err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch code := restErr.Response.StatusCode; {
		case code == http.StatusTooManyRequests || code >= 500:
			return types.Transient(http.StatusText(code), err)
		case code == http.StatusBadRequest || code == http.StatusForbidden || code == http.StatusNotFound:
			return types.Permanent(http.StatusText(code), err)
		}
	}
	return types.Transient("discord request", err)
}
