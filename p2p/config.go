package p2p

import "time"

// Config collects the tunables a node binary embedding this package would
// otherwise hardcode into its constructors. Parsing these out of a config
// file is that binary's concern, not this package's (spec non-goal).
// Zero-valued fields fall back to the package defaults.
type Config struct {
	ListenAddr     SocketAddr
	MaxConnections int
	MaxSyncWaits   int
	WaitSync       time.Duration
}

// withDefaults fills in any zero-valued field with the package default it
// stands in for.
func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = MaxConnections
	}
	if c.MaxSyncWaits <= 0 {
		c.MaxSyncWaits = MaxSyncWaits
	}
	if c.WaitSync <= 0 {
		c.WaitSync = WaitSyncTimeout
	}
	return c
}
