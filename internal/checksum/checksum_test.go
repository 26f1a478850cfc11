package checksum

import (
	"testing"

	"github.com/starford/racecomms/internal/encpkg"
)

func TestSum(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Sum([]byte("abc")); got != want {
		t.Fatalf("Sum = %s, want %s", got, want)
	}
}

func TestPackageIgnoresTracing(t *testing.T) {
	a := encpkg.Package{TraceID: 1, SpanID: 2, Type: encpkg.TypeSDK, Ciphertext: []byte("abc")}
	b := encpkg.Package{TraceID: 9, SpanID: 8, Type: encpkg.TypeSDK, Ciphertext: []byte("abc")}
	if Package(a) != Package(b) {
		t.Errorf("digest depends on tracing fields")
	}
	if Package(a) != Sum([]byte("abc")) {
		t.Errorf("digest is not over the ciphertext")
	}
}
