package session

import (
	"encoding/base64"
	"slices"
	"strings"

	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/convo-gateway/pkg/speech/transcribe"
)

// speechSink forwards synthesizer playback to the client.
type speechSink struct {
	s *Session
}

func (k speechSink) SpeakingStarted() {
	s := k.s
	s.mu.Lock()
	s.speechStarted++
	id := s.speechStarted
	s.mu.Unlock()
	s.currentUtterance.Store(id)
	s.send(protocol.TypeServerVoiceStart, nil)
}

func (k speechSink) AudioChunk(data string) {
	s := k.s
	s.enqueue(protocol.TypeServerVoiceAudio, protocol.ServerVoiceAudio{Data: data}, s.currentUtterance.Load())
}

// SpeakingStopped runs only for an utterance that played to the end.
func (k speechSink) SpeakingStopped(text string) {
	s := k.s
	s.mu.Lock()
	tr := s.transcriber
	s.mu.Unlock()
	if tr != nil {
		tr.InjectAssistantContext(text)
	}
	s.send(protocol.TypeServerVoiceStop, nil)

	s.mu.Lock()
	s.speechStopped = s.speechStarted
	s.turns.settle(TurnSpeaking)
	s.mu.Unlock()
	s.metrics.Utterance("completed")
}

// SpeakingCanceled closes an utterance whose cancel overtook its voice.start.
func (k speechSink) SpeakingCanceled() {
	s := k.s
	s.mu.Lock()
	s.speechStopped = s.speechStarted
	s.mu.Unlock()
	s.send(protocol.TypeServerVoiceStop, nil)
	s.metrics.Utterance("canceled")
}

// cancelSpeech stops playback and discards its queued audio. It reports whether the client
// still needs a voice.stop.
func (s *Session) cancelSpeech() bool {
	if !s.speaker.Cancel() {
		return false
	}
	s.canceledThrough.Store(s.currentUtterance.Load())
	s.mu.Lock()
	s.speechStopped = s.speechStarted
	s.mu.Unlock()
	s.metrics.Utterance("canceled")
	return true
}

func (s *Session) handleAudioStart() {
	if s.stt == nil {
		s.send(protocol.TypeServerError, protocol.ServerError{Code: "speech_unavailable", Message: "speech input is not configured"})
		return
	}
	prev, seq, ok := s.turns.begin(TurnAwaitingAudio, TurnIdle)
	if !ok {
		switch prev {
		case TurnSpeaking:
			s.logger.Info("ignoring audio start while speaking")
		case TurnAwaitingAudio:
			s.logger.Debug("audio turn already open")
		default:
			s.rejectBusy(protocol.TypeClientAudioStart, prev)
		}
		return
	}

	s.mu.Lock()
	tr := s.transcriber
	if tr == nil {
		tr = transcribe.New(s.stt, s.cfg.Transcribe, s.logger, s.onSpeechSignal)
		s.transcriber = tr
	}
	s.audioPending = true
	s.stopPending = false
	s.pendingAudio = nil
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		err := tr.Start(s.ctx)
		if err == nil {
			err = tr.BeginTurn(s.ctx)
		}
		s.mu.Lock()
		detached := s.transcriber != tr
		s.mu.Unlock()
		if detached {
			// Superseded while the turn was opening; close it so the helper is not left
			// waiting for audio.
			tr.Interrupt()
			tr.End()
			return
		}
		if err != nil {
			s.logger.Error("failed to open transcription turn", "error", err)
			s.mu.Lock()
			if s.transcriber == tr {
				s.audioPending = false
				s.stopPending = false
				s.pendingAudio = nil
			}
			s.mu.Unlock()
			if s.turns.advance(seq, TurnIdle, TurnAwaitingAudio, TurnTranscribing) {
				s.send(protocol.TypeServerError, protocol.ServerError{Code: "speech_unavailable", Message: "speech input failed to start"})
			}
			return
		}
		s.flushPendingAudio(tr, seq)
	}()
}

// flushPendingAudio forwards audio buffered while the turn was opening, then hands the
// stream over to handleAudioChunk.
func (s *Session) flushPendingAudio(tr *transcribe.Session, seq uint64) {
	for {
		s.mu.Lock()
		if s.transcriber != tr || !s.audioPending {
			s.mu.Unlock()
			return
		}
		batch := s.pendingAudio
		s.pendingAudio = nil
		if len(batch) == 0 {
			s.audioPending = false
			stop := s.stopPending
			s.stopPending = false
			s.mu.Unlock()
			if stop {
				s.finishAudioTurn(tr, seq)
			}
			return
		}
		s.mu.Unlock()

		for _, frame := range batch {
			if err := tr.FeedAudio(frame); err != nil {
				s.logger.Warn("failed to forward audio", "error", err)
			}
		}
	}
}

func (s *Session) handleAudioChunk(m protocol.ClientAudioChunk, limiter *inboundAudioLimiter) {
	frame, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		s.metrics.FrameDropped("audio_decode")
		s.logger.Debug("dropping undecodable audio frame", "error", err)
		return
	}
	if s.cfg.MaxAudioFrameBytes > 0 && len(frame) > s.cfg.MaxAudioFrameBytes {
		s.metrics.FrameDropped("audio_too_large")
		s.logger.Debug("dropping oversized audio frame", "bytes", len(frame), "max", s.cfg.MaxAudioFrameBytes)
		return
	}
	if !limiter.Allow(len(frame)) {
		s.metrics.FrameDropped("audio_rate_limited")
		return
	}
	if st, _ := s.turns.current(); st != TurnAwaitingAudio {
		s.metrics.FrameDropped("audio_outside_turn")
		return
	}

	s.mu.Lock()
	tr := s.transcriber
	if s.audioPending {
		if len(s.pendingAudio) < s.cfg.MaxPendingAudioFrames {
			s.pendingAudio = append(s.pendingAudio, frame)
		} else {
			s.metrics.FrameDropped("audio_backlog")
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if tr == nil {
		return
	}
	if err := tr.FeedAudio(frame); err != nil {
		s.logger.Warn("failed to forward audio", "error", err)
	}
}

func (s *Session) handleAudioStop() {
	st, seq := s.turns.current()
	if st != TurnAwaitingAudio {
		s.logger.Debug("ignoring audio stop outside an audio turn", "turn_state", st)
		return
	}
	if !s.turns.advance(seq, TurnTranscribing, TurnAwaitingAudio) {
		return
	}

	s.mu.Lock()
	tr := s.transcriber
	if s.audioPending {
		s.stopPending = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if tr == nil {
		s.turns.advance(seq, TurnIdle, TurnTranscribing)
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.finishAudioTurn(tr, seq)
	}()
}

// finishAudioTurn closes the transcription turn. The transcript itself arrives through
// onSpeechSignal; here only silence needs handling.
func (s *Session) finishAudioTurn(tr *transcribe.Session, seq uint64) {
	if _, ok := tr.EndTurn(s.ctx); ok {
		return
	}
	if s.turns.advance(seq, TurnIdle, TurnTranscribing) {
		s.logger.Info("audio turn ended without a transcript")
	}
}

// abandonAudioTurn drops an open audio turn superseded by typed input. The transcriber is
// detached and torn down in the background, as on interrupt.
func (s *Session) abandonAudioTurn() {
	s.mu.Lock()
	tr := s.transcriber
	s.transcriber = nil
	s.audioPending = false
	s.stopPending = false
	s.pendingAudio = nil
	s.mu.Unlock()
	if tr == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		tr.Interrupt()
		tr.End()
	}()
}

func (s *Session) onSpeechSignal(sig transcribe.Signal) {
	s.mu.Lock()
	tr := s.transcriber
	s.mu.Unlock()
	if tr == nil || tr.Token() != sig.Token {
		s.logger.Debug("dropping signal from superseded transcriber", "kind", sig.Kind)
		return
	}

	switch sig.Kind {
	case transcribe.SignalPartial:
		if st, _ := s.turns.current(); st != TurnAwaitingAudio && st != TurnTranscribing {
			return
		}
		if text := formatPartial(sig.Text); text != "" {
			s.trySend(protocol.TypeServerTranscriptPartial, protocol.ServerTranscriptPartial{Text: text})
		}
	case transcribe.SignalFinal:
		s.onFinalTranscript(sig.Text)
	}
}

func (s *Session) onFinalTranscript(raw string) {
	st, seq := s.turns.current()
	if st != TurnAwaitingAudio && st != TurnTranscribing {
		s.logger.Info("dropping transcript outside an audio turn", "turn_state", st)
		return
	}
	text := formatTranscript(raw)
	if text == "" {
		s.turns.advance(seq, TurnIdle, TurnAwaitingAudio, TurnTranscribing)
		return
	}
	if !s.turns.advance(seq, TurnInvoking, TurnAwaitingAudio, TurnTranscribing) {
		return
	}

	s.mu.Lock()
	s.audioPending = false
	s.stopPending = false
	s.pendingAudio = nil
	s.state.Transcript = text
	s.state.Mode = engine.ModeVoice
	s.state.Messages = append(slices.Clip(s.state.Messages), engine.Message{Role: engine.RoleUser, Text: text})
	s.mu.Unlock()

	s.send(protocol.TypeServerTranscriptFinal, protocol.ServerTranscriptFinal{Role: engine.RoleUser, Text: text})
	s.send(protocol.TypeServerThinking, protocol.ServerThinking{State: string(engine.ThinkingExtractingIntent)})
	s.spawnTurn(seq, engine.ReasonVoice)
}

// mergeSpeech joins the turn's speak fragments. A fragment already contained in the result
// is skipped; one that contains the result replaces it.
func mergeSpeech(fragments []string) string {
	merged := ""
	for _, f := range fragments {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
		case merged == "":
			merged = f
		case strings.Contains(merged, f):
		case strings.Contains(f, merged):
			merged = f
		default:
			merged += " " + f
		}
	}
	return merged
}
