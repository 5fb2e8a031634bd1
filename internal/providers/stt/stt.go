package stt

import (
	"context"

	"github.com/voxlog/voxlog/internal/models"
)

// Options carries per-call configuration from Settings. Vocabulary is an
// ordered list of bias terms forwarded to the backend, never interpreted here.
type Options struct {
	Language   string
	Vocabulary []string
}

// Provider turns an audio payload into time-ordered transcript segments.
// Failures are typed through utils.CodeProvider (transport/auth/format) and
// utils.CodeParse (undecodable response). No retry happens at this layer.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, opts Options) ([]models.Segment, error)
	Close() error
}
