package app

import (
	"github.com/0xarcano/UXWallet/internal/clearnode"
	"github.com/0xarcano/UXWallet/internal/interfaces"
)

// clearNodeClient keeps a nil *clearnode.Client from becoming a non-nil
// interface value.
func clearNodeClient(c *clearnode.Client) interfaces.ClearNodeClient {
	if c == nil {
		return nil
	}
	return c
}
