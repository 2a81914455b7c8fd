// Package ident mints the ULID identifiers that name Switchboard's moving
// parts. Messages get one at normalization time; the process itself keeps a
// durable one so sessions can be grouped by the instance that spawned them.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// All minting goes through one shared monotonic entropy source, so IDs
// created within the same millisecond still sort in mint order.
var gen = struct {
	sync.Mutex
	entropy io.Reader
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// NewID mints a fresh ULID string. IDs are unique and lexicographically
// ordered by mint time.
func NewID() (string, error) {
	gen.Lock()
	defer gen.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), gen.entropy)
	if err != nil {
		return "", fmt.Errorf("ident: mint ulid: %w", err)
	}
	return id.String(), nil
}

// MustNewID is NewID for call sites that cannot fail usefully (tests, init).
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// instanceFile is where a process parks its identity between runs.
const instanceFile = "instance_id"

// InstanceID resolves the durable identity of this process. An override other
// than "" or "auto" wins outright after validation. Otherwise the ID is read
// from dataDir, minting and persisting a fresh one on first start, so the
// same data directory always yields the same identity. The result is always
// a well-formed ULID.
func InstanceID(dataDir, override string) (string, error) {
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return "", fmt.Errorf("ident: instance id override %q: %w", override, err)
		}
		return override, nil
	}

	if dataDir == "" {
		return "", errors.New("ident: data dir required to persist instance id")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("ident: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, instanceFile)
	switch raw, err := os.ReadFile(path); {
	case err == nil:
		id := strings.TrimSpace(string(raw))
		if _, perr := ulid.ParseStrict(id); perr != nil {
			return "", fmt.Errorf("ident: stored instance id %q: %w", id, perr)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("ident: read instance id: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ident: persist instance id: %w", err)
	}
	return id, nil
}
