package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/timecode"
	"github.com/voxlog/voxlog/internal/utils"
)

// WhisperHTTP talks to a self-hosted OpenAI-compatible transcription server
// (whisper.cpp server, faster-whisper-server, LocalAI) over multipart upload.
type WhisperHTTP struct {
	BaseURL string
	Model   string

	hc *http.Client
}

func NewWhisperHTTP(baseURL, model string) *WhisperHTTP {
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperHTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		hc:      &http.Client{Timeout: 5 * time.Minute},
	}
}

func (w *WhisperHTTP) Close() error { return nil }

// verbose_json response; servers that ignore response_format return only Text.
type whisperResp struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (w *WhisperHTTP) Transcribe(ctx context.Context, audio []byte, opts Options) ([]models.Segment, error) {
	const op = "WhisperHTTP.Transcribe"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", w.Model); err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
	}
	if opts.Language != "" {
		// whisper expects a bare ISO-639-1 code, not a BCP-47 tag
		lang := opts.Language
		if i := strings.IndexByte(lang, '-'); i > 0 {
			lang = lang[:i]
		}
		if err := mw.WriteField("language", lang); err != nil {
			return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
		}
	}
	if len(opts.Vocabulary) > 0 {
		// vocabulary bias rides in the prompt field
		if err := mw.WriteField("prompt", strings.Join(opts.Vocabulary, ", ")); err != nil {
			return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
		}
	}

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
	}
	if err := mw.Close(); err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to build request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.hc.Do(req)
	if err != nil {
		return nil, utils.E(utils.CodeProvider, op, "whisper server unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, utils.E(utils.CodeProvider, op, "failed to read response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, utils.E(utils.CodeProvider, op,
			fmt.Sprintf("whisper server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), nil)
	}

	var wr whisperResp
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, utils.E(utils.CodeParse, op, "malformed whisper response", err)
	}

	if len(wr.Segments) > 0 {
		segs := make([]models.Segment, 0, len(wr.Segments))
		for _, s := range wr.Segments {
			segs = append(segs, models.Segment{
				Timestamp: timecode.Format(int(s.Start)),
				Text:      strings.TrimSpace(s.Text),
			})
		}
		return segs, nil
	}

	// fallback: a plain {text} body becomes one segment at offset 0
	if wr.Text != "" {
		return []models.Segment{{Timestamp: timecode.Format(0), Text: strings.TrimSpace(wr.Text)}}, nil
	}
	return nil, nil
}
