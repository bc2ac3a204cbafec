package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PromptChanged is set when the persona name or system prompt changed.
	PromptChanged bool

	WakeWordsChanged bool

	// RestartRequired lists the sections whose changes are ignored until
	// the next start.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PromptChanged || d.WakeWordsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona.Name != new.Persona.Name || old.Persona.SystemPrompt != new.Persona.SystemPrompt {
		d.PromptChanged = true
	}
	if !slices.Equal(old.Persona.WakeWords, new.Persona.WakeWords) {
		d.WakeWordsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) ||
		old.Server.MaxAudioBytes != new.Server.MaxAudioBytes || old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Persona.Voice != new.Persona.Voice || old.Persona.Temperature != new.Persona.Temperature ||
		old.Persona.MaxTokens != new.Persona.MaxTokens {
		d.RestartRequired = append(d.RestartRequired, "persona")
	}
	if !equalPipeline(old.Voice, new.Voice) {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Discord.Token != new.Discord.Token || old.Discord.GuildID != new.Discord.GuildID ||
		old.Discord.FallbackChannel != new.Discord.FallbackChannel ||
		old.Discord.ControlRoleID != new.Discord.ControlRoleID ||
		!slices.Equal(old.Discord.TextChannels, new.Discord.TextChannels) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalPipeline(a, b PipelineConfig) bool {
	modeA, modeB := a.ConversationModeEnabled(), b.ConversationModeEnabled()
	a.ConversationMode, b.ConversationMode = nil, nil
	return a == b && modeA == modeB
}

func equalProviders(a, b ProvidersConfig) bool {
	return equalEntry(a.LLM, b.LLM) && equalEntry(a.STT, b.STT) && equalEntry(a.TTS, b.TTS) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, equalEntry) &&
		slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, equalEntry)
}

// equalEntry compares entries field by field; Options is compared by key
// set and scalar value only.
func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, va := range a.Options {
		vb, ok := b.Options[k]
		if !ok || !equalOption(va, vb) {
			return false
		}
	}
	return true
}

func equalOption(a, b any) bool {
	switch a.(type) {
	case string, int, int64, float64, bool, nil:
		return a == b
	}
	// Nested values are treated as changed.
	return false
}
