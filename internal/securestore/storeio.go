package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadDecryptedFile loads and opens an encrypted snapshot file. An empty file
// yields empty plaintext rather than a decode error, matching a snapshot that
// was created but never written.
func ReadDecryptedFile(path, secret string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return Decrypt(secret, raw)
}

// WriteEncryptedJSON marshals, seals and writes a snapshot. The bytes go
// through a temp file in the target directory and a rename, so a crash
// mid-write leaves the previous snapshot intact.
func WriteEncryptedJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(secret, payload)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
