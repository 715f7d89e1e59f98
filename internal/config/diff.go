package config

// Diff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	BargeInChanged bool
	NewBargeIn     bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d Diff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.BargeInChanged
}

// Compare compares old and new configs and returns what changed.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Assistant.SystemPrompt != new.Assistant.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Assistant.SystemPrompt
	}
	if old.Realtime.BargeIn != new.Realtime.BargeIn {
		d.BargeInChanged = true
		d.NewBargeIn = new.Realtime.BargeIn
	}

	if old.Server.DebugAddr != new.Server.DebugAddr {
		d.RestartRequired = append(d.RestartRequired, "server.debug_addr")
	}
	if old.Realtime.URL != new.Realtime.URL || old.Realtime.DedupWindow != new.Realtime.DedupWindow || !sameHeaders(old.Realtime.Headers, new.Realtime.Headers) {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	a, b := old.Assistant, new.Assistant
	a.SystemPrompt, b.SystemPrompt = "", ""
	if a != b {
		d.RestartRequired = append(d.RestartRequired, "assistant")
	}
	if old.Dictation != new.Dictation {
		d.RestartRequired = append(d.RestartRequired, "dictation")
	}
	if old.Bill != new.Bill {
		d.RestartRequired = append(d.RestartRequired, "bill")
	}
	if old.Transcript != new.Transcript {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	return d
}

func sameHeaders(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func sameAudio(a, b AudioConfig) bool {
	return a.DeviceSampleRate == b.DeviceSampleRate &&
		a.FramesPerBuffer == b.FramesPerBuffer &&
		a.FallbackFrames == b.FallbackFrames &&
		a.DisableCallback == b.DisableCallback &&
		Enabled(a.EchoCancellation) == Enabled(b.EchoCancellation) &&
		Enabled(a.NoiseSuppression) == Enabled(b.NoiseSuppression) &&
		Enabled(a.AutoGainControl) == Enabled(b.AutoGainControl) &&
		a.OutputBuffer == b.OutputBuffer
}
