package stt

import (
	"context"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/timecode"
	"github.com/voxlog/voxlog/internal/utils"
)

type GoogleSpeech struct {
	c *speech.Client

	Encoding     speechpb.RecognitionConfig_AudioEncoding
	SampleRateHz int32
}

func NewGoogleSpeech(ctx context.Context) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, utils.E(utils.CodeProvider, "GoogleSpeech.New", "failed to create speech client", err)
	}
	return &GoogleSpeech{
		c:            c,
		Encoding:     speechpb.RecognitionConfig_LINEAR16,
		SampleRateHz: 16000,
	}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

func (g *GoogleSpeech) Transcribe(ctx context.Context, audio []byte, opts Options) ([]models.Segment, error) {
	const op = "GoogleSpeech.Transcribe"

	language := opts.Language
	if language == "" {
		language = "en-US"
	}

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   g.Encoding,
		SampleRateHertz:            g.SampleRateHz,
		LanguageCode:               language,
		EnableAutomaticPunctuation: true,
	}
	if len(opts.Vocabulary) > 0 {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: opts.Vocabulary}}
	}

	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, utils.E(utils.CodeProvider, op, "speech recognition failed", err)
	}

	// One segment per result, stamped with the result end time (the only
	// per-result timing Recognize exposes). Results arrive time-ordered.
	var segs []models.Segment
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		sec := 0
		if r.ResultEndTime != nil {
			sec = int(r.ResultEndTime.AsDuration().Seconds())
		}
		segs = append(segs, models.Segment{
			Timestamp: timecode.Format(sec),
			Text:      alt.Transcript,
		})
	}
	return segs, nil
}
