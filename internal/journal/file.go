package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/nodechain/internal/lockgraph"
)

// fileSink writes each event as {build}_{number}_{profile}_{action}_{id}.json.
type fileSink struct {
	dir string
}

func newFileSink(dir string) (*fileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &fileSink{dir: dir}, nil
}

func (f *fileSink) name() string { return "file" }

func (f *fileSink) deliver(_ context.Context, evt *Event) error {
	name := strings.Join([]string{
		lockgraph.Sanitize(evt.Build.Name),
		evt.Build.Number,
		lockgraph.Sanitize(evt.Configuration.ProfileName),
		evt.Action,
		evt.EventID,
	}, "_") + ".json"

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, name), data, 0644); err != nil {
		return fmt.Errorf("write event %s: %w", name, err)
	}
	return nil
}
