package archive

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Manifest describes one archived snapshot of a database directory: the
// byte sizes of the three files at upload time (used by Restore to
// verify a download came back intact) and the root revision the
// snapshot was taken at.
type Manifest struct {
	ID            uuid.UUID `cbor:"id"`
	IDFileSize    int64     `cbor:"id_file_size"`
	ArenaFileSize int64     `cbor:"arena_file_size"`
	RootFileSize  int64     `cbor:"root_file_size"`
	RootRevision  uint64    `cbor:"root_revision"`
}

var cborMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	cborMode = mode
}

func encodeManifest(m Manifest) ([]byte, error) {
	return cborMode.Marshal(m)
}

func decodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	err := cbor.Unmarshal(b, &m)
	return m, err
}
