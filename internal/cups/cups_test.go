package cups

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/agsys/gwstation/internal/configstore"
)

func newTestStore(t *testing.T) *configstore.Store {
	t.Helper()
	dir := t.TempDir()
	return configstore.Open(dir)
}

// writeSegment appends a lenWidth-byte big-endian length prefix followed
// by data, matching the response framing RunOnce expects to read.
func writeSegment(buf []byte, lenWidth int, data []byte) []byte {
	n := len(data)
	switch lenWidth {
	case 1:
		buf = append(buf, byte(n))
	case 2:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n))
		buf = append(buf, b...)
	case 4:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n))
		buf = append(buf, b...)
	}
	return append(buf, data...)
}

func emptyResponseBody() []byte {
	var buf []byte
	buf = writeSegment(buf, 1, nil)
	buf = writeSegment(buf, 1, nil)
	buf = writeSegment(buf, 2, nil)
	buf = writeSegment(buf, 2, nil)
	buf = writeSegment(buf, 4, nil)
	buf = writeSegment(buf, 4, nil)
	return buf
}

func TestCredentialRotationAfterSevenFailures(t *testing.T) {
	store := newTestStore(t)
	// Seed a REG cups uri so the first request has somewhere to POST.
	if err := store.WriteTemp(configstore.CategoryCUPS, configstore.ExtURI, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(configstore.CategoryCUPS); err != nil {
		t.Fatal(err)
	}

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits <= 7 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(emptyResponseBody())
	}))
	defer server.Close()

	// Point REG's uri at the fake server so request 1..7 fail with 403;
	// BAK and BOOT are unconfigured and will fail with "no cups uri".
	if err := store.WriteTemp(configstore.CategoryCUPS, configstore.ExtURI, []byte(server.URL)); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(configstore.CategoryCUPS); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	sess := New(cfg, store)

	for i := 0; i < 6; i++ {
		sess.RunOnce(context.Background())
		if sess.CredSet() != configstore.SetReg {
			t.Fatalf("after failure %d, credset = %s, want reg (rotation happens on the 7th)", i+1, sess.CredSet())
		}
	}

	// The 7th failed run (fail_count becomes 7, > 6) should have rotated.
	sess.RunOnce(context.Background())
	if sess.CredSet() != configstore.SetBak {
		t.Fatalf("credset = %s, want bak after repeated CUPS failures", sess.CredSet())
	}
}

func TestSuccessfulRunResetsFailCountAndCredSet(t *testing.T) {
	store := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(emptyResponseBody())
	}))
	defer server.Close()

	if err := store.WriteTemp(configstore.CategoryCUPS, configstore.ExtURI, []byte(server.URL)); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(configstore.CategoryCUPS); err != nil {
		t.Fatal(err)
	}
	// The session below starts on BAK, so BAK needs a cups uri too.
	if err := store.Backup(configstore.CategoryCUPS); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	sess := New(cfg, store)
	sess.credSet = configstore.SetBak
	sess.failCount = 3

	delay := sess.RunOnce(context.Background())
	if sess.CredSet() != configstore.SetReg {
		t.Fatalf("credset = %s, want reg after success", sess.CredSet())
	}
	if sess.failCount != 0 {
		t.Fatalf("failCount = %d, want 0 after success", sess.failCount)
	}
	if delay != cfg.LongInterval {
		t.Fatalf("delay = %v, want long interval %v (nothing changed)", delay, cfg.LongInterval)
	}
}

func TestFirmwareUpdateWithValidSignatureRunsUpdaterOnce(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rawKey := make([]byte, 64)
	priv.X.FillBytes(rawKey[:32])
	priv.Y.FillBytes(rawKey[32:])
	keyCRC := crc32.ChecksumIEEE(rawKey)

	image := make([]byte, 128*1024)
	for i := range image {
		image[i] = byte(i)
	}
	digest := sha512.Sum512(image)
	signature, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	keyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(keyDir, "station.key"), rawKey, 0o600); err != nil {
		t.Fatal(err)
	}
	updateDir := t.TempDir()

	var buf []byte
	buf = writeSegment(buf, 1, nil)
	buf = writeSegment(buf, 1, nil)
	buf = writeSegment(buf, 2, nil)
	buf = writeSegment(buf, 2, nil)
	sigSeg := make([]byte, 4+len(signature))
	binary.BigEndian.PutUint32(sigSeg[:4], keyCRC)
	copy(sigSeg[4:], signature)
	buf = writeSegment(buf, 4, sigSeg)
	buf = writeSegment(buf, 4, image)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(buf)
	}))
	defer server.Close()

	store := newTestStore(t)
	if err := store.WriteTemp(configstore.CategoryCUPS, configstore.ExtURI, []byte(server.URL)); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(configstore.CategoryCUPS); err != nil {
		t.Fatal(err)
	}

	var updateCalls int
	var updatedPath string
	cfg := DefaultConfig()
	cfg.KeyDir = keyDir
	cfg.UpdateDir = updateDir
	cfg.Updater = func(path string) error {
		updateCalls++
		updatedPath = path
		return nil
	}
	sess := New(cfg, store)

	sess.RunOnce(context.Background())

	if updateCalls != 1 {
		t.Fatalf("updater invoked %d times, want exactly 1", updateCalls)
	}
	got, err := os.ReadFile(updatedPath)
	if err != nil {
		t.Fatalf("read staged firmware: %v", err)
	}
	if len(got) != len(image) {
		t.Fatalf("staged firmware length = %d, want %d", len(got), len(image))
	}
}

func TestFirmwareUpdateWithBadSignatureIsRejected(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rawKey := make([]byte, 64)
	priv.X.FillBytes(rawKey[:32])
	priv.Y.FillBytes(rawKey[32:])
	keyCRC := crc32.ChecksumIEEE(rawKey)

	image := []byte("firmware payload")
	wrongDigest := sha512.Sum512([]byte("not the firmware"))
	signature, err := ecdsa.SignASN1(rand.Reader, priv, wrongDigest[:])
	if err != nil {
		t.Fatal(err)
	}

	keyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(keyDir, "station.key"), rawKey, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf []byte
	buf = writeSegment(buf, 1, nil)
	buf = writeSegment(buf, 1, nil)
	buf = writeSegment(buf, 2, nil)
	buf = writeSegment(buf, 2, nil)
	sigSeg := make([]byte, 4+len(signature))
	binary.BigEndian.PutUint32(sigSeg[:4], keyCRC)
	copy(sigSeg[4:], signature)
	buf = writeSegment(buf, 4, sigSeg)
	buf = writeSegment(buf, 4, image)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(buf)
	}))
	defer server.Close()

	store := newTestStore(t)
	if err := store.WriteTemp(configstore.CategoryCUPS, configstore.ExtURI, []byte(server.URL)); err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(configstore.CategoryCUPS); err != nil {
		t.Fatal(err)
	}

	var updateCalls int
	cfg := DefaultConfig()
	cfg.KeyDir = keyDir
	cfg.UpdateDir = t.TempDir()
	cfg.Updater = func(string) error { updateCalls++; return nil }
	sess := New(cfg, store)

	sess.RunOnce(context.Background())

	if updateCalls != 0 {
		t.Fatalf("updater invoked %d times, want 0 for a bad signature", updateCalls)
	}
}
