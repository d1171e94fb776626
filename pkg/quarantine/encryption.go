package quarantine

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// Artifact layout:
//
//	[magic "SNTQ"] [version 1] [wrapped key length uint32 BE] [age-wrapped data key]
//	[nonce 24 bytes] [XChaCha20-Poly1305 ciphertext+tag of zstd(plaintext)]
//
// The header up to the nonce and the plaintext SHA-256 are authenticated
// as additional data.
const (
	artifactVersion byte = 1
	dataKeySize          = chacha20poly1305.KeySize
	maxWrappedKey        = 4096
)

var artifactMagic = []byte("SNTQ")

// ErrCorruptArtifact is returned when an artifact cannot be parsed or
// fails authentication.
var ErrCorruptArtifact = errors.New("corrupt quarantine artifact")

// FileEncryption seals files under a fresh random data key per file. Data
// keys are wrapped to the store's X25519 master identity with age, so
// the artifact alone is useless without the master key.
type FileEncryption struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewFileEncryption creates a FileEncryption for identity. maxPlaintext
// bounds decompression so a forged artifact cannot exhaust memory.
func NewFileEncryption(identity *age.X25519Identity, maxPlaintext uint64) (*FileEncryption, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPlaintext))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &FileEncryption{
		identity:  identity,
		recipient: identity.Recipient(),
		encoder:   enc,
		decoder:   dec,
	}, nil
}

// Close releases the compression resources.
func (e *FileEncryption) Close() {
	e.encoder.Close()
	e.decoder.Close()
}

// Seal compresses and encrypts plaintext. digest is the plaintext
// SHA-256 and binds the artifact to its record.
func (e *FileEncryption) Seal(plaintext, digest []byte) ([]byte, error) {
	key := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer wipe(key)

	wrapped, err := e.wrapKey(key)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	compressed := e.encoder.EncodeAll(plaintext, nil)

	header := make([]byte, 0, len(artifactMagic)+1+4+len(wrapped))
	header = append(header, artifactMagic...)
	header = append(header, artifactVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(len(wrapped)))
	header = append(header, wrapped...)

	out := make([]byte, 0, len(header)+len(nonce)+len(compressed)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, compressed, additionalData(header, digest)), nil
}

// Open authenticates and decrypts an artifact produced by Seal.
func (e *FileEncryption) Open(blob, digest []byte) ([]byte, error) {
	fixed := len(artifactMagic) + 1 + 4
	if len(blob) < fixed || !bytes.Equal(blob[:len(artifactMagic)], artifactMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptArtifact)
	}
	if v := blob[len(artifactMagic)]; v != artifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptArtifact, v)
	}
	n := int(binary.BigEndian.Uint32(blob[len(artifactMagic)+1 : fixed]))
	if n == 0 || n > maxWrappedKey || len(blob) < fixed+n+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated", ErrCorruptArtifact)
	}
	header := blob[:fixed+n]
	nonce := blob[fixed+n : fixed+n+chacha20poly1305.NonceSizeX]
	ciphertext := blob[fixed+n+chacha20poly1305.NonceSizeX:]

	key, err := e.unwrapKey(header[fixed:])
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	compressed, err := aead.Open(nil, nonce, ciphertext, additionalData(header, digest))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCorruptArtifact)
	}
	plaintext, err := e.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress: %v", ErrCorruptArtifact, err)
	}
	return plaintext, nil
}

func (e *FileEncryption) wrapKey(key []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	if _, err := w.Write(key); err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *FileEncryption) unwrapKey(wrapped []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(wrapped), e.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap data key: %v", ErrCorruptArtifact, err)
	}
	key, err := io.ReadAll(io.LimitReader(r, dataKeySize+1))
	if err != nil || len(key) != dataKeySize {
		return nil, fmt.Errorf("%w: bad data key", ErrCorruptArtifact)
	}
	return key, nil
}

func additionalData(header, digest []byte) []byte {
	ad := make([]byte, 0, len(header)+len(digest))
	ad = append(ad, header...)
	return append(ad, digest...)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// LoadOrCreateIdentity reads the age identity at path, generating and
// persisting a new one (mode 0600) when the file does not exist.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseIdentity(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", id.Recipient(), id)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to sync master key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close master key: %w", err)
	}
	return id, nil
}

func parseIdentity(data []byte) (*age.X25519Identity, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse master key: %w", err)
		}
		return id, nil
	}
	return nil, fmt.Errorf("master key file contains no identity")
}
