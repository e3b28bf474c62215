package agent

import (
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/virtkit/virtgpu/gpuwire"
)

// Config locates the agent's data directory and probe configuration file.
type Config struct {
	DataDir     string
	ProbeConfig string
}

// ProbeSettings is the watched probe configuration. The display list is the
// simulated monitor topology; editing it while `run` is active hot-plugs
// displays through the device's configuration-change interrupt.
type ProbeSettings struct {
	PollIntervalSeconds     int           `json:"pollIntervalSeconds"`
	CompletionTimeoutMillis int           `json:"completionTimeoutMillis"`
	ArenaPages              int           `json:"arenaPages"`
	Displays                []DisplayMode `json:"displays"`
	EDIDFile                string        `json:"edidFile"`
}

// DisplayMode is one simulated display.
type DisplayMode struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	X      uint32 `json:"x"`
	Y      uint32 `json:"y"`
}

func defaultSettings() ProbeSettings {
	return ProbeSettings{
		PollIntervalSeconds:     5,
		CompletionTimeoutMillis: 1000,
		ArenaPages:              64,
		Displays:                []DisplayMode{{Width: 1280, Height: 800}},
	}
}

// loadSettings reads the probe configuration without a watcher, for
// one-shot commands. A missing file yields the defaults.
func loadSettings(path string) (ProbeSettings, error) {
	settings := defaultSettings()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// pollInterval clamps the configured interval to at least one second, so a
// zero or negative value in a hand-edited config cannot panic the ticker.
func (s ProbeSettings) pollInterval() time.Duration {
	if s.PollIntervalSeconds < 1 {
		return time.Second
	}
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s ProbeSettings) displayOnes() []gpuwire.DisplayOne {
	modes := make([]gpuwire.DisplayOne, 0, len(s.Displays))
	for _, d := range s.Displays {
		modes = append(modes, gpuwire.DisplayOne{
			R:       gpuwire.Rect{X: d.X, Y: d.Y, Width: d.Width, Height: d.Height},
			Enabled: 1,
		})
	}
	return modes
}
