package broker

import (
	"time"

	"github.com/jpillora/backoff"
)

// newBackoff returns the reconnection delay policy shared by the consumer
// and producer: 1s seed, doubling, 30s cap, no jitter. Reset drops the
// counter back to zero after a successful delivery so a healthy link starts
// over at the seed on its next hiccup.
func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
	}
}
