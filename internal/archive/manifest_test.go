package archive

import (
	"testing"

	"github.com/google/uuid"
)

func TestManifest_EncodeDecodeRoundTrip(t *testing.T) {
	m := Manifest{
		ID:            uuid.New(),
		IDFileSize:    1024,
		ArenaFileSize: 67108864,
		RootFileSize:  4096,
		RootRevision:  42,
	}

	encoded, err := encodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}

	got, err := decodeManifest(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if got != m {
		t.Errorf("decoded manifest %+v != original %+v", got, m)
	}
}

func TestManifest_EncodingIsDeterministic(t *testing.T) {
	m := Manifest{ID: uuid.New(), IDFileSize: 1, ArenaFileSize: 2, RootFileSize: 3, RootRevision: 4}

	a, err := encodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	b, err := encodeManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("canonical CBOR encoding should be deterministic across calls")
	}
}
