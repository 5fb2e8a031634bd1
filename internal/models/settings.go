package models

const (
	ProviderGoogle  = "google"
	ProviderWhisper = "whisper"
)

// Settings is the read-only per-session configuration the recorder consumes.
// It is persisted as one JSON blob and merged over DefaultSettings at load.
type Settings struct {
	Provider string `json:"provider"` // google|whisper

	Language       string `json:"language,omitempty"`
	WhisperBaseURL string `json:"whisper_base_url,omitempty"`
	WhisperModel   string `json:"whisper_model,omitempty"`

	// StreamChunks selects transcribe-while-recording over transcribe-at-stop.
	StreamChunks bool `json:"stream_chunks"`

	// CustomVocabulary is forwarded verbatim to the provider as bias hints.
	CustomVocabulary []string `json:"custom_vocabulary,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		Provider:     ProviderGoogle,
		Language:     "en-US",
		WhisperModel: "whisper-1",
		StreamChunks: false,
	}
}
