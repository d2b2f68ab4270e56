// pkg/object/encrypt.go

package object

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

const pbkdf2Rounds = 10000

type aesEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor derives an AES-256-GCM key from `passphrase` with PBKDF2.
// The world UUID makes a good salt: it is stable and unique per world.
func NewAESEncryptor(passphrase string, salt []byte) (Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aesEncryptor{aead}, nil
}

// Encrypt returns nonce || sealed data.
func (e *aesEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *aesEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(ciphertext) < ns+e.aead.Overhead() {
		return nil, errors.Errorf("misformed ciphertext: %d bytes", len(ciphertext))
	}
	return e.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

type encrypted struct {
	ObjectStorage
	enc Encryptor
}

// NewEncrypted returns an encrypted object storage
func NewEncrypted(o ObjectStorage, enc Encryptor) ObjectStorage {
	return &encrypted{o, enc}
}

func (e *encrypted) String() string {
	return fmt.Sprintf("%s(encrypted)", e.ObjectStorage)
}

func (e *encrypted) Get(key string, off, limit int64) (io.ReadCloser, error) {
	ciphertext, err := ReadAll(e.ObjectStorage, key)
	if err != nil {
		return nil, err
	}
	plain, err := e.enc.Decrypt(ciphertext)
	if err != nil {
		return nil, errors.Wrapf(err, "decrypt")
	}
	l := int64(len(plain))
	if off > l {
		return nil, io.EOF
	}
	if limit == -1 || off+limit > l {
		limit = l - off
	}
	data := plain[off : off+limit]
	return io.NopCloser(bytes.NewBuffer(data)), nil
}

func (e *encrypted) Put(key string, in io.Reader) error {
	plain, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	ciphertext, err := e.enc.Encrypt(plain)
	if err != nil {
		return err
	}
	return e.ObjectStorage.Put(key, bytes.NewReader(ciphertext))
}

var _ ObjectStorage = &encrypted{}
