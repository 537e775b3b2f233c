package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const headsFile = "journal-heads.json"

// ComputeEventHash hashes the JSON form of evt with its own hash cleared.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// heads tracks the last event hash of every configuration chain, persisted
// so a restarted coordinator extends the chains of a build.
type heads struct {
	path string

	mu   sync.Mutex
	last map[string]string
}

func openHeads(dir string) (*heads, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	h := &heads{path: filepath.Join(dir, headsFile), last: make(map[string]string)}
	data, err := os.ReadFile(h.path)
	switch {
	case os.IsNotExist(err):
		return h, nil
	case err != nil:
		return nil, fmt.Errorf("read journal heads: %w", err)
	}
	if err := json.Unmarshal(data, &h.last); err != nil {
		return nil, fmt.Errorf("decode journal heads %s: %w", h.path, err)
	}
	return h, nil
}

// stamp fills the identity of evt and links it after the head of its chain.
// The caller holds h.mu.
func (h *heads) stamp(evt *Event) {
	evt.Version = eventVersion
	evt.EventID = "evt_" + uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(h.last[evt.ChainKey()])
}

// advance makes evt the head of its chain. The caller holds h.mu.
func (h *heads) advance(evt *Event) error {
	h.last[evt.ChainKey()] = evt.Chain.EventHash
	data, err := json.MarshalIndent(h.last, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}
