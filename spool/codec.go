package spool

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	bk "github.com/okrause/bridgekeeper"
)

// envelope wraps every record on disk. The checksum covers the raw record
// bytes so corruption is caught whether or not the file is compressed.
type envelope struct {
	Version  int             `json:"v"`
	Checksum string          `json:"checksum"` // blake3 of Record
	Record   json.RawMessage `json:"record"`
}

const (
	envelopeVersion = 1

	extPlain      = ".json"
	extCompressed = ".json.zst"
)

var (
	encOnce sync.Once
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	encOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec
}

// encodeRecord wraps record bytes in a checksummed envelope and compresses
// the whole envelope when the record is larger than compressAbove. The
// returned extension tells the caller which filename to use.
func encodeRecord(record []byte, compressAbove int) (data []byte, ext string, err error) {
	sum := blake3.Sum256(record)
	env := envelope{
		Version:  envelopeVersion,
		Checksum: hex.EncodeToString(sum[:]),
		Record:   record,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("encode envelope: %w", err)
	}
	if compressAbove > 0 && len(record) > compressAbove {
		enc, _ := codecs()
		return enc.EncodeAll(raw, nil), extCompressed, nil
	}
	return raw, extPlain, nil
}

// decodeRecord reverses encodeRecord, verifying the checksum. A mismatch or
// an unreadable envelope surfaces as an integrity error carrying the file
// name so the caller can quarantine it.
func decodeRecord(name string, data []byte) ([]byte, error) {
	if strings.HasSuffix(name, extCompressed) {
		_, dec := codecs()
		plain, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, bk.Errf(bk.CodeIntegrity, "decompress %s", name).WithCause(err)
		}
		data = plain
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, bk.Errf(bk.CodeIntegrity, "unreadable envelope in %s", name).WithCause(err)
	}
	sum := blake3.Sum256(env.Record)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, bk.Errf(bk.CodeIntegrity, "checksum mismatch in %s", name).
			WithMeta("file", name)
	}
	return env.Record, nil
}
