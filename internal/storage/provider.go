// Package storage keeps the SDK's persistent key-value files.
package storage

// Provider stores opaque values by key.
type Provider interface {
	// Read returns the value stored under key. A missing key yields an error
	// wrapping fs.ErrNotExist.
	Read(key string) ([]byte, error)
	// Write replaces the value under key atomically.
	Write(key string, value []byte) error
}
