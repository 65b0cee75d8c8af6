package cpcclient

import (
	"os"
	"os/signal"
	"syscall"
)

// Run installs a SIGUSR1 handler and blocks, reconnecting the endpoint
// each time the daemon signals a link reset and invoking onReset after
// each successful reconnect. onReset is a closure, not a stored
// callback slot: no global mutable callback slot is needed when the
// event-delivery mechanism is closure-carrying. Run returns when stopCh
// is closed.
func (c *Client) Run(stopCh <-chan struct{}, onReset func()) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-stopCh:
			return nil
		case <-sigCh:
			_ = c.Close()
			if err := c.Open(); err != nil {
				continue
			}
			if onReset != nil {
				onReset()
			}
		}
	}
}
