// Package persist reads and writes typed values through the SDK file store.
// Values are stored as their decimal or plain-text form.
package persist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/racecomms/internal/sdk"
)

// Files is the part of the SDK used for persistence.
type Files interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) sdk.Response
}

// ReadString returns the stored value or def when the key is missing or empty.
func ReadString(f Files, key, def string) string {
	data, err := f.ReadFile(key)
	if err != nil || len(data) == 0 {
		return def
	}
	return string(data)
}

// ReadInt returns the stored integer or def when missing or malformed.
func ReadInt(f Files, key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(ReadString(f, key, "")))
	if err != nil {
		return def
	}
	return v
}

// ReadFloat returns the stored float or def when missing or malformed.
func ReadFloat(f Files, key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(ReadString(f, key, "")), 64)
	if err != nil {
		return def
	}
	return v
}

func WriteString(f Files, key, value string) error {
	if resp := f.WriteFile(key, []byte(value)); !resp.OK() {
		return fmt.Errorf("persist: write %s: %s", key, resp.Status)
	}
	return nil
}

func WriteInt(f Files, key string, value int) error {
	return WriteString(f, key, strconv.Itoa(value))
}

func WriteFloat(f Files, key string, value float64) error {
	return WriteString(f, key, strconv.FormatFloat(value, 'f', -1, 64))
}
