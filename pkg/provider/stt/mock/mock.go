// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/nanakusa/koestream/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Audio is the segment passed to Transcribe.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results is a scripted sequence returned by successive Transcribe calls.
	// When exhausted (or empty), Transcribe returns Result.
	Results []stt.Transcript

	// Result is the fallback transcript once Results is exhausted.
	Result stt.Transcript

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next scripted transcript.
func (p *Provider) Transcribe(_ context.Context, audio stt.Audio) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Audio: audio})
	if p.TranscribeErr != nil {
		return stt.Transcript{}, p.TranscribeErr
	}
	if p.next < len(p.Results) {
		t := p.Results[p.next]
		p.next++
		return t, nil
	}
	return p.Result, nil
}

// Calls returns a snapshot of recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
