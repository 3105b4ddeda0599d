package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is one arm of the Turn Controller's finite-state machine
// (spec.md §4.3).
type State string

const (
	StateGreeting     State = "Greeting"
	StateListening    State = "Listening"
	StateThinking     State = "Thinking"
	StateSpeaking     State = "Speaking"
	StateTerminating  State = "Terminating"
)

// inboundAudioBuffer is sized for ~200ms of 16kHz mono 16-bit PCM, the
// bounded channel spec.md §4.1 calls for between Ingress and the ASR
// Client.
const inboundAudioBuffer = 32

// Session is the object graph spec.md §2/§3 describes: one per active
// call, owning the Turn Controller state machine, conversation history,
// the speaking flag, and the lifecycle of every child task. It generalizes
// the teacher's ManagedStream — the mutex-guarded state fields, the
// idempotent Close, the non-blocking event emission and the barge-in hot
// path are kept, but turn-end detection now comes from the recognizer's
// endpointing (RecognitionEvent.FinalTranscript) instead of a local VAD,
// and the state machine is explicit instead of implicit in isSpeaking/
// isThinking booleans alone.
type Session struct {
	svc       *SystemServices
	callID    string
	agent     AgentConfig
	streamID  string
	startedAt time.Time

	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	events chan OrchestratorEvent

	mu             sync.Mutex
	state          State
	history        []TurnRecord
	speaking       bool // authoritative, in-process; store copy is eventually consistent
	playbackCancel context.CancelFunc
	playbackGen    int // bumped on every beginPlayback/barge-in; guards stale completions
	chatHandle     ChatHandle
	endedAt        time.Time
	finalStatus    CallStatus

	playbackWG sync.WaitGroup // outstanding playback goroutines, drained in teardown

	// per-turn instrumentation, mirroring the teacher's latency tracking
	userSpeechEndTime time.Time
	botSpeakStartTime time.Time

	closeOnce sync.Once
}

// NewSession constructs a Session bound to one call. It does not start any
// goroutines; call Run to do so.
func NewSession(parentCtx context.Context, svc *SystemServices, callID string, agent AgentConfig, streamID string, transport Transport) *Session {
	ctx, cancel := context.WithCancel(parentCtx)
	// Every task observes the group's context, so one task returning an
	// error cancels its siblings; cancel still tears the whole tree down.
	group, gctx := errgroup.WithContext(ctx)

	return &Session{
		svc:       svc,
		callID:    callID,
		agent:     agent,
		streamID:  streamID,
		startedAt: time.Now(),
		transport: transport,
		ctx:       gctx,
		cancel:    cancel,
		group:     group,
		events:    make(chan OrchestratorEvent, 256),
		state:     StateGreeting,
	}
}

func (s *Session) Events() <-chan OrchestratorEvent { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *Session) History() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Run spawns the supervised task group (spec.md §5): Ingress reader, ASR
// reader/writer, and the Turn Controller loop. Any required task's
// unexpected exit cancels the group and the Session moves to Terminating.
// Run blocks until the group drains.
func (s *Session) Run() error {
	inbound := make(chan []byte, inboundAudioBuffer)
	recogEvents := make(chan RecognitionEvent, 64)

	s.group.Go(func() error { return s.runIngress(inbound) })
	s.group.Go(func() error { return s.runASR(inbound, recogEvents) })
	s.group.Go(func() error { return s.runTurnController(recogEvents) })

	err := s.group.Wait()
	s.teardown(err)
	return err
}

// runIngress decodes inbound frames off the transport and forwards raw PCM
// onto the bounded channel. On `stop`/closure it closes the channel,
// signalling end-of-stream downstream (spec.md §4.1).
func (s *Session) runIngress(inbound chan<- []byte) error {
	defer close(inbound)
	for {
		frame, err := s.transport.Recv(s.ctx)
		if err != nil || frame.Stopped {
			if err != nil && s.ctx.Err() == nil {
				return NewClassifiedError(TransportClosed, err)
			}
			return nil
		}
		if frame.Err != nil {
			s.emit(ErrorEvent, frame.Err.Error())
			continue
		}
		if len(frame.Audio) == 0 {
			continue
		}
		select {
		case inbound <- frame.Audio:
		case <-s.ctx.Done():
			return nil
		}
	}
}

// runASR multiplexes InboundAudio into the recognizer and relays
// RecognitionEvents (spec.md §4.2). If opening the recognizer stream fails,
// it retries the open once; a stream that fails after it has opened is not
// reopened.
func (s *Session) runASR(inbound <-chan []byte, out chan<- RecognitionEvent) error {
	defer close(out)

	attempt := func(ctx context.Context) (chan<- []byte, error) {
		return s.svc.STT.StreamRecognize(ctx, s.agent, out)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	audioIn, err := attempt(ctx)
	reconnected := false

	if err != nil {
		s.svc.Logger.Warn("asr stream failed, retrying", "call", s.callID, "error", err)
		cancel()
		ctx, cancel = context.WithTimeout(s.ctx, s.svc.Config.ASRReconnectTimeout)
		audioIn, err = attempt(ctx)
		reconnected = true
		if err != nil {
			out <- RecognitionEvent{Kind: RecognitionClosed}
			return NewClassifiedError(ASRStreamError, err)
		}
	}
	_ = reconnected

	for chunk := range inbound {
		select {
		case audioIn <- chunk:
		case <-ctx.Done():
			return nil
		}
	}
	// InboundAudio closed: drain for trailing finals within a bounded window.
	select {
	case <-time.After(s.svc.Config.ASRReconnectTimeout):
	case <-ctx.Done():
	}
	return nil
}

// runTurnController is the heart of the system (spec.md §4.3).
func (s *Session) runTurnController(events <-chan RecognitionEvent) error {
	if err := s.enterGreeting(); err != nil {
		return err
	}

	utteranceTimer := time.NewTimer(s.maxUtteranceWindow())
	defer utteranceTimer.Stop()
	var pendingInterim string

	for {
		select {
		case <-s.ctx.Done():
			s.setState(StateTerminating)
			return nil

		case <-utteranceTimer.C:
			if s.State() == StateListening && pendingInterim != "" {
				s.handleFinalTranscript(pendingInterim)
				pendingInterim = ""
			}
			utteranceTimer.Reset(s.maxUtteranceWindow())

		case ev, ok := <-events:
			if !ok {
				s.setState(StateTerminating)
				return nil
			}
			if !utteranceTimer.Stop() {
				<-utteranceTimer.C
			}
			utteranceTimer.Reset(s.maxUtteranceWindow())

			switch ev.Kind {
			case RecognitionSpeechStarted:
				s.handleSpeechStarted()

			case RecognitionInterimTranscript:
				pendingInterim = ev.Text

			case RecognitionFinalTranscript:
				pendingInterim = ""
				s.handleFinalTranscript(ev.Text)

			case RecognitionError:
				s.handleRecognitionError(ev)

			case RecognitionClosed:
				s.setState(StateTerminating)
				return nil
			}
		}
	}
}

func (s *Session) maxUtteranceWindow() time.Duration {
	secs := s.svc.Config.UtteranceMaxSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// enterGreeting dispatches the agent's initial utterance. Playback runs on
// its own goroutine (speakUtteranceAsync) so runTurnController starts
// selecting on RecognitionEvents immediately — a SpeechStarted arriving
// mid-greeting must be able to barge in the same way it would during
// Speaking (spec.md §4.3).
func (s *Session) enterGreeting() error {
	s.setState(StateGreeting)
	greeting := s.agent.InitialGreeting
	if greeting == "" {
		s.setState(StateListening)
		return nil
	}
	s.appendAssistantTurn(greeting)
	s.persistTranscript(SpeakerAssistant, greeting)
	s.speakUtteranceAsync(greeting, SpeakerAssistant)
	return nil
}

// appendAssistantTurn records an assistant utterance at the moment playback
// is about to start, not after it completes, so a barge-in still leaves a
// (truncated) record of what was said (spec.md §4.3 invariant (c)).
func (s *Session) appendAssistantTurn(text string) {
	s.mu.Lock()
	s.history = append(s.history, TurnRecord{Speaker: SpeakerAssistant, Text: text, TimestampMS: nowMS()})
	s.botSpeakStartTime = time.Now()
	s.mu.Unlock()
}

// handleFinalTranscript implements the Listening->Thinking transition.
func (s *Session) handleFinalTranscript(text string) {
	if s.State() != StateListening {
		return
	}
	if trimmedEmpty(text) {
		return // recognizer final with empty transcript: stay Listening, never call the LLM
	}

	s.appendHistory(TurnRecord{Speaker: SpeakerUser, Text: text, TimestampMS: nowMS()})
	s.persistTranscript(SpeakerUser, text)

	s.setState(StateThinking)
	s.emit(BotThinking, nil)

	result, err := s.callLLM(s.ctx, text)
	if err != nil {
		kind := KindOf(err)
		if kind == LLMPolicyRefusal {
			s.respondAndSpeak(canned_PolicyRefusal)
			return
		}
		// LLMTransient and LLMFatal both resolve to a fallback utterance;
		// the call stays alive either way (spec.md §7).
		s.respondAndSpeak(canned_LLMFallback)
		return
	}
	if len(result.ToolCalls) > 0 {
		// tool execution is out of core scope; fall back the same way the
		// original pipeline logged-and-declined unexecutable tool calls.
		s.respondAndSpeak(canned_ToolUnavailable)
		return
	}
	s.respondAndSpeak(result.Text)
}

const (
	canned_PolicyRefusal  = "I'm not able to help with that request."
	canned_LLMFallback    = "I'm sorry, I'm having trouble responding right now."
	canned_ToolUnavailable = "I'm sorry, I cannot perform that action yet."
	canned_ASRFallback    = "I'm having trouble with my audio connection, one moment please."
)

// respondAndSpeak appends the assistant TurnRecord at TTS-start (not
// completion, per spec.md §4.3 invariant (c)) and launches cancellable
// playback on its own goroutine, returning immediately so the Turn
// Controller loop keeps consuming RecognitionEvents while audio streams
// (spec.md §4.3 "Speaking on SpeechStarted", §5 hot path).
func (s *Session) respondAndSpeak(text string) {
	s.setState(StateSpeaking)
	s.appendAssistantTurn(text)
	s.persistTranscript(SpeakerAssistant, text)

	s.emit(BotResponse, text)
	s.speakUtteranceAsync(text, SpeakerAssistant)
}

// beginPlayback cancels any playback already in flight and registers a
// fresh cancellable context for the one about to start. The returned token
// lets the caller's completion handler detect it was superseded — by a
// barge-in or by a newer playback — and bail out without clobbering state
// a later task already owns.
func (s *Session) beginPlayback() (context.Context, int) {
	ttsCtx, ttsCancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.playbackCancel != nil {
		s.playbackCancel()
	}
	s.playbackCancel = ttsCancel
	s.playbackGen++
	token := s.playbackGen
	s.mu.Unlock()

	return ttsCtx, token
}

// speakUtteranceAsync runs one cancellable TTS playback task on a goroutine
// outside the Turn Controller's select loop — mirroring the teacher's
// runLLMAndTTS, which streamed TTS concurrently with Write's VAD loop so
// internalInterrupt could always land. At most one playback task owns
// s.playbackCancel at a time (spec.md §8 invariant); the speaking flag is
// set before the first chunk leaves Egress and cleared only after the last
// chunk or cancellation (spec.md §4.3 invariant (b)).
func (s *Session) speakUtteranceAsync(text string, speaker Speaker) {
	ttsCtx, token := s.beginPlayback()

	s.playbackWG.Add(1)
	go func() {
		defer s.playbackWG.Done()

		truncated := s.runPlayback(ttsCtx, text)

		s.mu.Lock()
		superseded := token != s.playbackGen
		if superseded {
			s.mu.Unlock()
			return
		}
		s.playbackCancel = nil
		s.speaking = false
		s.mu.Unlock()

		if truncated && speaker == SpeakerAssistant {
			s.markLastTruncated()
		}
		if st := s.State(); st == StateSpeaking || st == StateGreeting {
			s.setState(StateListening)
		}
	}()
}

// runPlayback streams one TTS utterance and reports whether ttsCtx was
// cancelled before playback finished (a barge-in, or session teardown).
func (s *Session) runPlayback(ttsCtx context.Context, text string) bool {
	s.emit(BotSpeaking, nil)

	firstChunk := make(chan struct{}, 1)
	budgetTimer := time.NewTimer(s.svc.Config.TTSFirstByteBudget)
	defer budgetTimer.Stop()

	done := make(chan error, 1)
	go func() {
		done <- s.svc.TTS.StreamSynthesize(ttsCtx, text, s.agent.VoiceID, s.agent.Language, func(chunk []byte) error {
			select {
			case <-ttsCtx.Done():
				return ttsCtx.Err()
			default:
			}
			s.mu.Lock()
			s.speaking = true
			s.mu.Unlock()
			select {
			case firstChunk <- struct{}{}:
			default:
			}
			if err := s.transport.SendAudio(ttsCtx, chunk); err != nil {
				return err
			}
			s.emit(AudioChunk, chunk)
			return s.transport.SendMark(ttsCtx, fmt.Sprintf("tts-chunk-%d", time.Now().UnixNano()))
		})
	}()

	select {
	case <-budgetTimer.C:
		// TTFB budget exceeded: fall back to a silent placeholder rather
		// than leaving dead air (spec.md §4.5).
		select {
		case <-firstChunk:
		default:
			_ = s.transport.SendAudio(ttsCtx, nil)
			s.emit(ErrorEvent, "tts first-byte budget exceeded")
		}
	case <-firstChunk:
	case <-ttsCtx.Done():
	}

	err := <-done
	if err != nil && ttsCtx.Err() == nil {
		s.emit(ErrorEvent, fmt.Sprintf("tts stream error: %v", err))
	}
	return ttsCtx.Err() != nil
}

func (s *Session) markLastTruncated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return
	}
	s.history[len(s.history)-1].Truncated = true
}

// handleSpeechStarted implements the barge-in transition (spec.md §4.3).
// Whether playback is in flight is judged by s.playbackCancel, not by the
// named FSM state, so a barge-in lands the same way whether the assistant
// is in Greeting, Speaking, or speaking a recognition-error fallback while
// nominally still Listening. Cancellation must complete within the
// playback-cancel grace window to preserve perceived interactivity
// (spec.md §5); since the Turn Controller loop now runs concurrently with
// playback (speakUtteranceAsync), this handler runs the instant the event
// is read off the channel instead of waiting for TTS to finish on its own.
func (s *Session) handleSpeechStarted() {
	s.mu.Lock()
	cancel := s.playbackCancel
	if cancel == nil {
		s.mu.Unlock()
		s.emit(UserSpeaking, nil)
		return
	}
	s.playbackCancel = nil
	s.playbackGen++ // invalidate the in-flight playback's completion handler
	s.speaking = false
	s.mu.Unlock()

	cancel()
	_ = s.svc.TTS.Abort()
	s.markLastTruncated()
	s.emit(Interrupted, nil)
	s.setState(StateListening)
}

func (s *Session) handleRecognitionError(ev RecognitionEvent) {
	if s.State() != StateListening {
		return
	}
	s.emit(ErrorEvent, ev.Message)
	s.appendAssistantTurn(canned_ASRFallback)
	s.persistTranscript(SpeakerAssistant, canned_ASRFallback)
	s.speakUtteranceAsync(canned_ASRFallback, SpeakerAssistant)
}

// callLLM starts or continues the chat session and classifies the result.
func (s *Session) callLLM(ctx context.Context, text string) (LLMResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.svc.Config.LLMRequestTimeout)
	defer cancel()

	s.mu.Lock()
	handle := s.chatHandle
	s.mu.Unlock()

	if handle == nil {
		h, err := s.svc.LLM.StartChat(reqCtx, s.agent.SystemPrompt, s.historyAsMessages())
		if err != nil {
			return LLMResult{}, NewClassifiedError(LLMFatal, err)
		}
		s.mu.Lock()
		s.chatHandle = h
		s.mu.Unlock()
		handle = h
	}

	result, err := s.svc.LLM.Send(reqCtx, handle, text, s.agent.ModelTemperature, 0)
	if err != nil {
		return LLMResult{}, NewClassifiedError(LLMTransient, err)
	}
	if result.PolicyRefusal {
		return result, NewClassifiedError(LLMPolicyRefusal, nil)
	}
	return result, nil
}

func (s *Session) historyAsMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, 0, len(s.history))
	for _, t := range s.history {
		role := "user"
		if t.Speaker == SpeakerAssistant {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: t.Text})
	}
	return msgs
}

func (s *Session) appendHistory(rec TurnRecord) {
	s.mu.Lock()
	s.history = append(s.history, rec)
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) persistTranscript(speaker Speaker, text string) {
	if s.svc.Sink == nil {
		return
	}
	seg := TranscriptSegment{CallID: s.callID, Speaker: speaker, Text: text, TimestampMS: nowMS()}
	if err := s.svc.Sink.AppendSegment(s.ctx, seg); err != nil {
		s.svc.Logger.Warn("call log sink append failed", "call", s.callID, "error", err)
	}
	if s.svc.Store != nil {
		if err := s.svc.Store.AppendSegment(s.ctx, s.callID, seg); err != nil {
			s.svc.Logger.Warn("session store degraded", "call", s.callID, "error", err)
		}
	}
}

// teardown finalizes the CallRecord and releases every child task. Called
// once Run's supervised group drains, by error or by normal closure.
func (s *Session) teardown(groupErr error) {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.endedAt = time.Now()
		status := CallCompleted
		if groupErr != nil {
			switch KindOf(groupErr) {
			case TransportClosed:
				status = CallEndedByPeer
			default:
				status = CallFailed
			}
		}
		s.finalStatus = status
		s.mu.Unlock()

		if s.svc.Sink != nil {
			rec := CallRecord{
				CallID:    s.callID,
				AgentID:   s.agent.AgentID,
				StartedAt: s.startedAt,
				EndedAt:   time.Now(),
				Status:    status,
			}
			if err := s.svc.Sink.UpsertCall(context.Background(), rec); err != nil {
				s.svc.Logger.Warn("failed to write terminal call record", "call", s.callID, "error", err)
			}
		}
		if s.svc.Store != nil {
			if err := s.svc.Store.Clear(context.Background(), s.callID); err != nil {
				s.svc.Logger.Warn("session store clear failed", "call", s.callID, "error", err)
			}
		}

		s.waitForPlayback()
		_ = s.transport.Close()
		close(s.events)
	})
}

// waitForPlayback gives any still-running playback goroutine
// (speakUtteranceAsync) a bounded grace period to notice s.ctx is cancelled
// and return, so teardown doesn't close the transport/events channel out
// from under it mid-write.
func (s *Session) waitForPlayback() {
	done := make(chan struct{})
	go func() {
		s.playbackWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.svc.Config.TaskShutdownGrace):
	}
}

func (s *Session) emit(t EventType, data interface{}) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	defer func() { recover() }()
	select {
	case s.events <- OrchestratorEvent{Type: t, SessionID: s.callID, Data: data}:
	default:
	}
}

func trimmedEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func nowMS() int64 { return time.Now().UnixMilli() }

// BotResponse augments the teacher's EventType set: the assistant's textual
// reply surfaces as its own event before/while TTS streams, the same way
// ManagedStream exposed it to the CLI.
const BotResponse EventType = "BOT_RESPONSE"
