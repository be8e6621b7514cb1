// Package transcribe turns recorded voice messages into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

// ErrNoSpeech is returned when the audio contains no recognizable speech.
var ErrNoSpeech = errors.New("no speech recognized")

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// GoogleConfig configures the Google Cloud Speech transcriber.
type GoogleConfig struct {
	// LanguageCode is a BCP-47 tag such as "en-US".
	LanguageCode string
	// SampleRateHertz of the OGG/Opus recordings; Telegram uses 48000.
	SampleRateHertz int32
	// CredentialsFile optionally points at a service account key; the
	// default credentials chain is used otherwise.
	CredentialsFile string
}

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Google transcribes OGG/Opus audio with Google Cloud Speech-to-Text.
type Google struct {
	cfg       GoogleConfig
	recognize recognizeFunc
	close     func() error
}

// NewGoogle creates a Speech-to-Text client.
func NewGoogle(ctx context.Context, cfg GoogleConfig, opts ...option.ClientOption) (*Google, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	g := newGoogle(cfg, func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return client.Recognize(ctx, req)
	})
	g.close = client.Close
	return g, nil
}

func newGoogle(cfg GoogleConfig, fn recognizeFunc) *Google {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.SampleRateHertz == 0 {
		cfg.SampleRateHertz = 48000
	}
	return &Google{cfg: cfg, recognize: fn, close: func() error { return nil }}
}

// Transcribe returns the best alternative of the first result.
func (g *Google) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrNoSpeech
	}
	resp, err := g.recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_OGG_OPUS,
			SampleRateHertz: g.cfg.SampleRateHertz,
			LanguageCode:    g.cfg.LanguageCode,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return "", fmt.Errorf("recognize speech: %w", err)
	}

	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if text := strings.TrimSpace(alts[0].GetTranscript()); text != "" {
			return text, nil
		}
	}
	return "", ErrNoSpeech
}

// Close releases the underlying client.
func (g *Google) Close() error {
	return g.close()
}
