package whisper

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nanakusa/koestream/pkg/provider/stt"
)

// inferenceResponse mirrors the whisper-server JSON body. The plain format
// carries only "text"; verbose_json adds per-segment detail including
// no_speech_prob.
type inferenceResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text         string  `json:"text"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// parseInferenceResponse extracts the transcript text and the maximum
// per-segment no_speech_prob from a whisper-server response. Servers built
// without verbose output omit the segments array; the plain text field is
// used then and NoSpeechProb stays 0.
func parseInferenceResponse(data []byte) (stt.Transcript, error) {
	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	if len(result.Segments) == 0 {
		return stt.Transcript{Text: strings.TrimSpace(result.Text)}, nil
	}

	var parts []string
	var maxNoSpeech float64
	for _, seg := range result.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
		if seg.NoSpeechProb > maxNoSpeech {
			maxNoSpeech = seg.NoSpeechProb
		}
	}
	return stt.Transcript{
		Text:         strings.Join(parts, " "),
		NoSpeechProb: maxNoSpeech,
	}, nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be
// even (two bytes per sample); any trailing odd byte is silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
