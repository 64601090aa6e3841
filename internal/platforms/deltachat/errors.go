package deltachat

import (
	"context"
	"errors"
	"strings"

	"dcrelay/internal/types"
)

var permanentMarkers = []string{
	"chat not found",
	"does not exist",
	"no chat with id",
	"contact is blocked",
	"cannot send to",
	"not a member",
}

// ClassifyError maps a send failure onto the delivery error taxonomy.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		for _, marker := range permanentMarkers {
			if strings.Contains(msg, marker) {
				return types.Permanent(marker, err)
			}
		}
	}
	return types.Transient("deltachat rpc", err)
}
