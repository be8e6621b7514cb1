package transcribe

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleTranscribe(t *testing.T) {
	var got *speechpb.RecognizeRequest
	g := newGoogle(GoogleConfig{}, func(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		got = req
		return &speechpb.RecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " buy milk tomorrow "}}},
		}}, nil
	})

	text, err := g.Transcribe(context.Background(), []byte("OggS..."))
	require.NoError(t, err)
	assert.Equal(t, "buy milk tomorrow", text)

	require.NotNil(t, got)
	assert.Equal(t, speechpb.RecognitionConfig_OGG_OPUS, got.GetConfig().GetEncoding())
	assert.Equal(t, int32(48000), got.GetConfig().GetSampleRateHertz())
	assert.Equal(t, "en-US", got.GetConfig().GetLanguageCode())
	assert.Equal(t, []byte("OggS..."), got.GetAudio().GetContent())
	require.NoError(t, g.Close())
}

func TestGoogleTranscribeNoSpeech(t *testing.T) {
	g := newGoogle(GoogleConfig{LanguageCode: "de-DE"}, func(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		assert.Equal(t, "de-DE", req.GetConfig().GetLanguageCode())
		return &speechpb.RecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{{}}}, nil
	})

	_, err := g.Transcribe(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNoSpeech)

	_, err = g.Transcribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestGoogleTranscribeError(t *testing.T) {
	g := newGoogle(GoogleConfig{}, func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return nil, errors.New("permission denied")
	})
	_, err := g.Transcribe(context.Background(), []byte("x"))
	assert.ErrorContains(t, err, "permission denied")
	assert.NotErrorIs(t, err, ErrNoSpeech)
}
