// Package agent supervises the external librespot playback process and parses
// its event stream.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adv-inn/Deckify/internal/core"
)

// ParseEvent parses one line of the agent's event stream. The agent emits
// newline-delimited JSON objects tagged by an "event" field. Unknown tags and
// malformed lines are errors; callers log and discard them.
func ParseEvent(line string) (*core.AgentEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty event line")
	}

	var ev core.AgentEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("malformed event line: %w", err)
	}

	switch ev.Kind {
	case core.EventPlaying, core.EventPaused, core.EventStopped, core.EventChanged,
		core.EventPreloading, core.EventUnavailable, core.EventVolumeSet:
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
