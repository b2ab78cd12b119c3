// Package custody holds the agent's posting key encrypted at rest: the
// ed25519 key it signs node_announce and poa_result broadcasts with, and
// control-surface login challenges. The key never touches disk in the
// clear.
package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/dhenz14/hivepoa/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is deliberately high; unlocking the keystore happens once
// per agent start, not on a hot path, so the extra cost buys real resistance
// against offline password guessing.
const pbkdf2Iterations = 210_000

type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// ErrWrongPassword is returned by Unlock when the password does not decrypt
// the keystore, or the file has been corrupted or tampered with.
var ErrWrongPassword = errors.New("custody: wrong password or corrupted keystore")

// Save encrypts priv with password and writes it to path as a keystore file.
func Save(path, password string, priv crypto.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	cipherText := gcm.Seal(nil, nonce, priv, nil)

	ks := keystoreFile{
		PubKey:     priv.Public().Hex(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Unlock decrypts the keystore at path using password and returns the
// posting key inside it.
func Unlock(path, password string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, ErrWrongPassword
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, ErrWrongPassword
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, ErrWrongPassword
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return crypto.PrivateKey(privBytes), nil
}

// Exists reports whether a keystore file is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
}
