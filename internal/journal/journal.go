// Package journal records what the coordinator does to each configuration
// as a hash-chained sequence of events: locked graphs, node launches and
// completions.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/nodechain/internal/model"
)

const eventVersion = "1.0"

// Config configures the journal.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

// Emitter receives journal events.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter returns the emitter selected by cfg. Events always go to
// files under BackupDir; with an Endpoint they are also posted, and only a
// failed post fails the emit. A disabled or unusable journal is a no-op.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "journal")
	if !cfg.Enabled {
		log.Info("disabled, using no-op emitter")
		return noopEmitter{}
	}
	dir := cfg.BackupDir
	if dir == "" {
		dir = "./journal"
	}

	h, err := openHeads(dir)
	if err != nil {
		log.Warn("cannot track chain heads, using no-op emitter", "error", err)
		return noopEmitter{}
	}
	files, err := newFileSink(dir)
	if err != nil {
		log.Warn("cannot write events, using no-op emitter", "error", err)
		return noopEmitter{}
	}

	e := &chainedEmitter{heads: h, primary: files, log: log}
	if cfg.Endpoint != "" {
		e.primary, e.backup = newHTTPSink(cfg.Endpoint), files
		log.Info("using HTTP journal", "endpoint", cfg.Endpoint, "dir", dir)
	} else {
		log.Info("using file journal", "dir", dir)
	}
	return e
}

type sink interface {
	name() string
	deliver(ctx context.Context, evt *Event) error
}

// chainedEmitter links events into per-configuration hash chains. A chain
// head only advances once the primary sink accepted the event.
type chainedEmitter struct {
	heads   *heads
	primary sink
	backup  sink // optional, written before the primary
	log     *slog.Logger
}

func (e *chainedEmitter) Emit(ctx context.Context, evt Event) error {
	e.heads.mu.Lock()
	defer e.heads.mu.Unlock()

	e.heads.stamp(&evt)
	if e.backup != nil {
		if err := e.backup.deliver(ctx, &evt); err != nil {
			e.log.Warn("event backup failed", "sink", e.backup.name(), "error", err)
		}
	}
	if err := e.primary.deliver(ctx, &evt); err != nil {
		return fmt.Errorf("journal %s: %w", e.primary.name(), err)
	}
	if err := e.heads.advance(&evt); err != nil {
		e.log.Warn("failed to persist chain head", "error", err)
	}
	e.log.Debug("event emitted", "action", evt.Action, "chain", evt.ChainKey(), "event_hash", evt.Chain.EventHash)
	return nil
}

func (e *chainedEmitter) Close() error { return nil }

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, Event) error { return nil }
func (noopEmitter) Close() error                      { return nil }

// Noop returns an emitter that discards every event.
func Noop() Emitter {
	return noopEmitter{}
}

// GraphLocked builds the event recording the initial lock of a configuration.
func GraphLocked(b model.Build, c model.Configuration, lock []byte) Event {
	return Event{Action: ActionGraphLocked, Build: b, Configuration: c, Graph: json.RawMessage(lock)}
}

// NodeEvent builds a node lifecycle event.
func NodeEvent(action string, b model.Build, c model.Configuration, n model.NodeInfo, detail string) Event {
	node := n
	return Event{Action: action, Build: b, Configuration: c, Node: &node, Detail: detail}
}
