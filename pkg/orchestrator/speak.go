package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge/callmedia/pkg/apperr"
	"github.com/voxbridge/callmedia/pkg/audio"
	"github.com/voxbridge/callmedia/pkg/playback"
	"github.com/voxbridge/callmedia/pkg/registry"
)

// SpeakResult is returned to the collaborator that requested the speak
// operation.
type SpeakResult struct {
	Voice           string
	Language        string
	DurationSeconds float64
}

// streamCtl tracks one active scheduler stream so a later speak (or call
// teardown) can cancel it and wait for the outbound socket to be released.
// The socket has a single writer: no new stream starts until the previous
// one has signalled done.
type streamCtl struct {
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newStreamCtl() *streamCtl {
	return &streamCtl{cancel: make(chan struct{}), done: make(chan struct{})}
}

func (c *streamCtl) stop() { c.once.Do(func() { close(c.cancel) }) }

// Speak synthesizes text via the TTS collaborator and streams it to the
// call through the real-time scheduler. Any in-flight speak for the same
// call is cancelled first, whether it is still waiting on the TTS server or
// already streaming: most recent wins, only the newest request is heard.
func (o *Orchestrator) Speak(ctx context.Context, callID, text, voice, language string, speed float64) (SpeakResult, error) {
	if !o.tts.Configured() {
		return SpeakResult{}, apperr.New(apperr.NotImplemented, "tts not configured")
	}

	rec, err := o.registry.Get(callID)
	if err != nil {
		return SpeakResult{}, err
	}

	st := o.sessions.getOrCreate(callID)

	o.tts.Cancel(callID)
	st.mu.Lock()
	prev := st.stream
	st.stream = nil
	st.mu.Unlock()
	if prev != nil {
		prev.stop()
		<-prev.done
	}

	st.speakMu.Lock()
	defer st.speakMu.Unlock()

	// A superseded speak leaves the call in speaking with its entry state
	// saved; only the first speak in such a chain records previousState and
	// performs the transition.
	st.mu.Lock()
	entered := false
	if st.previousState == "" {
		st.previousState = rec.State
		entered = true
	}
	st.mu.Unlock()
	if entered {
		if err := o.registry.Transition(callID, registry.StateSpeaking, time.Now()); err != nil {
			st.mu.Lock()
			st.previousState = ""
			st.mu.Unlock()
			return SpeakResult{}, err
		}
	}

	result, err := o.tts.Speak(ctx, callID, text, voice, language, speed)
	if err != nil {
		o.restoreAfterSpeak(callID, st)
		o.emitAndWebhook("call.speak_error", callID, map[string]interface{}{"error": err.Error()})
		return SpeakResult{}, err
	}

	st.mu.Lock()
	handle := st.playback
	st.mu.Unlock()
	if handle == nil {
		handle, err = playback.Start(ctx, o.swAdapter, o.dialer, rec.ChannelID, callID, result.CodecName, result.Format.SampleRate)
		if err != nil {
			o.restoreAfterSpeak(callID, st)
			o.emitAndWebhook("call.speak_error", callID, map[string]interface{}{"error": err.Error()})
			return SpeakResult{}, apperr.Wrap(apperr.Unavailable, "playback-failed", err)
		}
		st.mu.Lock()
		st.playback = handle
		st.mu.Unlock()
		o.emitAndWebhook("call.playback_stream_started", callID, nil)
	}

	o.emitAndWebhook("call.speak_started", callID, map[string]interface{}{"voice": voice, "language": language, "codec": result.CodecName})

	frames := audio.SplitIntoFrames(result.PCM, playbackFrameBytes(result.Format.SampleRate))

	ctl := newStreamCtl()
	st.mu.Lock()
	st.stream = ctl
	st.mu.Unlock()

	handle.SetStreaming(true)
	streamErr := o.scheduler.Stream(ctx, handle.Conn(), frames, ctl.cancel)
	handle.SetStreaming(false)
	close(ctl.done)

	st.mu.Lock()
	owner := st.stream == ctl
	if owner {
		st.stream = nil
	}
	st.mu.Unlock()

	if streamErr != nil {
		o.restoreAfterSpeak(callID, st)
		o.registry.Publish(registry.Event{Type: "call.playback_stream_error", CallID: callID, Timestamp: time.Now(), Data: map[string]interface{}{"error": streamErr.Error()}})
		o.emitAndWebhook("call.speak_error", callID, map[string]interface{}{"error": streamErr.Error()})
		return SpeakResult{}, apperr.Wrap(apperr.UpstreamError, "playback-failed", streamErr)
	}

	if !owner {
		// Superseded by a newer speak or by call teardown; the successor
		// owns state restoration and completion events.
		return SpeakResult{Voice: voice, Language: language}, nil
	}

	o.restoreAfterSpeak(callID, st)

	durationSeconds := float64(len(result.PCM)/2) / float64(result.Format.SampleRate)
	o.emitAndWebhook("call.speak_finished", callID, map[string]interface{}{"voice": voice, "language": language})

	return SpeakResult{Voice: voice, Language: language, DurationSeconds: durationSeconds}, nil
}

// restoreAfterSpeak returns the call to the state it held before the speak
// chain began, if a saved entry state is still pending.
func (o *Orchestrator) restoreAfterSpeak(callID string, st *perCallState) {
	st.mu.Lock()
	restoreTo := st.previousState
	st.previousState = ""
	st.mu.Unlock()
	if restoreTo != "" {
		_ = o.registry.Transition(callID, restoreTo, time.Now())
	}
}

// playbackFrameBytes returns the byte size of one 20ms mono 16-bit frame at
// sampleRate.
func playbackFrameBytes(sampleRate int) int {
	samplesPerFrame := sampleRate / 50 // 20ms
	return samplesPerFrame * 2
}
