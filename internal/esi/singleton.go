package esi

import (
	"sync"

	"github.com/evehangar/hangar/internal/config"
)

var (
	defaultOnce   sync.Once
	defaultClient *Client
	defaultErr    error
)

// Default returns the process-wide client, building it lazily from the
// environment on first use. Every call site sharing this instance is what
// makes the rate-limit accounting see the full request stream.
func Default() (*Client, error) {
	defaultOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			defaultErr = err
			return
		}
		store, err := OpenStore(cfg)
		if err != nil {
			defaultErr = err
			return
		}
		defaultClient, defaultErr = New(ClientConfig{Config: cfg, Store: store})
	})
	return defaultClient, defaultErr
}
