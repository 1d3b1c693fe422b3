// Package transport delivers encoded print jobs to printers, either over a
// direct LAN socket or through an MQTT cloud relay.
package transport

import (
	"errors"
	"net"

	"github.com/noxist/ticketd/internal/core"
)

// classifyNetErr maps a network failure onto the dispatch error taxonomy.
// Timeouts are terminal (never retried); everything else on the socket path
// counts as a refused connection and is retryable.
func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ErrTimeout
	}
	return core.ErrConnectionRefused
}
