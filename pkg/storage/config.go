// pkg/storage/config.go

package storage

// Config of a Handler, fixed for its lifetime.
type Config struct {
	GridWidth     int // in chunks
	GridHeight    int // in chunks
	MaxFreeChunks int // resident chunks nobody uses that Prune keeps
	LoadRetries   int // extra attempts for a failed background load
}

func DefaultConfig() *Config {
	return &Config{
		GridWidth:     64,
		GridHeight:    64,
		MaxFreeChunks: 128,
		LoadRetries:   2,
	}
}
