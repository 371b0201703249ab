package syncqueue

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

// Snapshot layout: magic | flags | body. The body is CBOR, optionally zstd
// compressed, then optionally sealed as version | nonce | ciphertext.
const (
	snapshotMagic   = "PQS1"
	flagCompressed  = 1 << 0
	flagEncrypted   = 1 << 1
	sealVersion     = 1
	snapshotVersion = 1
)

type snapshot struct {
	Version int       `cbor:"version"`
	SavedAt time.Time `cbor:"saved_at"`
	Items   []Item    `cbor:"items"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("syncqueue: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("syncqueue: cbor dec mode: %v", err))
	}
}

// ContentKey derives a deduplication key from the payload bytes.
func ContentKey(it Item) string {
	sum := blake3.Sum256(it.Payload)
	return fmt.Sprintf("%x", sum[:])
}

type codec struct {
	compress bool
	level    int
	key      []byte
}

func newCodec(cfg Config) codec {
	c := codec{compress: cfg.EnableCompression && cfg.CompressionLevel > 0, level: cfg.CompressionLevel}
	if cfg.EnableEncryption {
		c.key = cfg.EncryptionKey
	}
	return c
}

func (c codec) encode(items []Item, now time.Time) ([]byte, error) {
	body, err := encMode.Marshal(snapshot{Version: snapshotVersion, SavedAt: now, Items: items})
	if err != nil {
		return nil, errs.Serialization(err.Error(), "cbor").WithCause(err)
	}
	var flags byte
	if c.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
		if err != nil {
			return nil, errs.Serialization(err.Error(), "zstd").WithCause(err)
		}
		body = enc.EncodeAll(body, nil)
		_ = enc.Close()
		flags |= flagCompressed
	}
	header := []byte{snapshotMagic[0], snapshotMagic[1], snapshotMagic[2], snapshotMagic[3], 0}
	if c.key != nil {
		flags |= flagEncrypted
		header[4] = flags
		body, err = seal(c.key, body, header)
		if err != nil {
			return nil, err
		}
	}
	header[4] = flags
	return append(header, body...), nil
}

func (c codec) decode(data []byte) ([]Item, error) {
	if len(data) < 5 || string(data[:4]) != snapshotMagic {
		return nil, errs.Serialization("not a queue snapshot", "snapshot")
	}
	flags := data[4]
	body := data[5:]
	var err error
	if flags&flagEncrypted != 0 {
		if c.key == nil {
			return nil, errs.Config("snapshot is encrypted but no key is configured", "encryption_key")
		}
		body, err = open(c.key, body, data[:5])
		if err != nil {
			return nil, err
		}
	}
	if flags&flagCompressed != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errs.Serialization(err.Error(), "zstd").WithCause(err)
		}
		defer dec.Close()
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, errs.Serialization(err.Error(), "zstd").WithCause(err)
		}
	}
	var snap snapshot
	if err := decMode.Unmarshal(body, &snap); err != nil {
		return nil, errs.Serialization(err.Error(), "cbor").WithCause(err)
	}
	if snap.Version != snapshotVersion {
		return nil, errs.Serialization(fmt.Sprintf("unsupported snapshot version %d", snap.Version), "snapshot")
	}
	return snap.Items, nil
}

func seal(key, plain, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.Config(err.Error(), "encryption_key").WithCause(err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Internal(err.Error(), "snapshot_nonce").WithCause(err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.Config(err.Error(), "encryption_key").WithCause(err)
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != sealVersion {
		return nil, errs.Serialization("malformed encrypted snapshot", "snapshot")
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], aad)
	if err != nil {
		return nil, errs.Serialization("snapshot authentication failed", "snapshot").WithCause(err)
	}
	return plain, nil
}

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Persistence(err.Error(), "snapshot_mkdir").WithCause(err)
	}
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return errs.Persistence(err.Error(), "snapshot_create").WithCause(err)
	}
	name := tmp.Name()
	if _, err := bytes.NewReader(data).WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(name)
		return errs.Persistence(err.Error(), "snapshot_write").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return errs.Persistence(err.Error(), "snapshot_sync").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errs.Persistence(err.Error(), "snapshot_close").WithCause(err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return errs.Persistence(err.Error(), "snapshot_rename").WithCause(err)
	}
	return nil
}
