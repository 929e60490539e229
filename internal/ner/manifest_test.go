package ner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir string, files ...ManifestFile) {
	t.Helper()
	data, err := json.Marshal(Manifest{Model: "pii-ner", Version: "1", Files: files})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), data, 0o644))
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestVerifyModelDirWithoutManifest(t *testing.T) {
	m, err := VerifyModelDir(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestVerifyModelDir(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("onnx-bytes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), payload, 0o644))

	writeManifest(t, dir, ManifestFile{Path: "model.onnx", SHA256: sha(payload), Size: int64(len(payload))})
	m, err := VerifyModelDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "pii-ner", m.Model)

	writeManifest(t, dir, ManifestFile{Path: "model.onnx", SHA256: sha([]byte("other"))})
	_, err = VerifyModelDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256 mismatch")

	writeManifest(t, dir, ManifestFile{Path: "model.onnx", Size: 1})
	_, err = VerifyModelDir(dir)
	assert.ErrorContains(t, err, "size mismatch")

	writeManifest(t, dir, ManifestFile{Path: "../outside.onnx"})
	_, err = VerifyModelDir(dir)
	assert.ErrorContains(t, err, "escapes")

	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("{"), 0o644))
	_, err = VerifyModelDir(dir)
	assert.ErrorContains(t, err, "decode manifest")
}
