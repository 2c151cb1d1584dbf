// Package pipeline drives one caller utterance through the STT -> LLM -> TTS
// stages of a call.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/callcore-ai/callcore/pkg/core"
	"github.com/callcore-ai/callcore/pkg/core/llm"
	"github.com/callcore-ai/callcore/pkg/core/session"
	"github.com/callcore-ai/callcore/pkg/core/stt"
	"github.com/callcore-ai/callcore/pkg/core/tts"
)

// Input is one caller utterance, discriminated as text or audio. Audio wins
// when both are set.
type Input struct {
	Text   string
	Audio  []byte
	Format string // audio format hint (wav, mp3, ...)
}

// IsAudio reports whether the input carries audio.
func (in Input) IsAudio() bool { return len(in.Audio) > 0 }

// TurnResult is the outcome of one fully processed turn.
type TurnResult struct {
	Transcript  string        `json:"transcript"`
	ReplyText   string        `json:"reply_text"`
	ReplyAudio  []byte        `json:"reply_audio,omitempty"`
	AudioFormat string        `json:"audio_format,omitempty"`
	STTLatency  time.Duration `json:"-"`
	LLMLatency  time.Duration `json:"-"`
	TTSLatency  time.Duration `json:"-"`
}

// StageObserver receives per-stage latency observations.
type StageObserver interface {
	ObserveStage(stage string, d time.Duration)
}

// Options configures a pipeline.
type Options struct {
	// StageTimeout bounds each adapter invocation. Exceeding it is a
	// fatal stage failure for the turn. Zero disables the bound.
	StageTimeout time.Duration

	// HistoryWindow caps how many trailing turns are handed to the
	// language model. Zero means the full history.
	HistoryWindow int

	// SystemPrompt overrides the default agent role instruction.
	SystemPrompt string

	// Voice and audio parameters for synthesis.
	Voice      string
	SampleRate int

	// Observer receives stage latencies. Optional.
	Observer StageObserver

	// Tracer produces the per-turn span. Optional.
	Tracer trace.Tracer
}

// Pipeline processes turns for any session, one at a time per call. It
// borrows the session for the duration of one ProcessTurn call and holds no
// reference beyond it; per-call serialization is the caller's concern.
type Pipeline struct {
	stt  stt.Provider
	llm  llm.Provider
	tts  tts.Provider
	opts Options
}

// New creates a pipeline over the given adapters.
func New(sttProvider stt.Provider, llmProvider llm.Provider, ttsProvider tts.Provider, opts Options) *Pipeline {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = llm.SystemPrompt
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Pipeline{stt: sttProvider, llm: llmProvider, tts: ttsProvider, opts: opts}
}

// ProcessTurn runs one utterance through transcription, reply generation and
// synthesis. Stages run strictly in order; a failure aborts the turn, leaves
// the history consistent up to the last successful append, and surfaces a
// typed error. The session's state is not changed here.
func (p *Pipeline) ProcessTurn(ctx context.Context, sess *session.Session, in Input) (*TurnResult, error) {
	ctx, turnSpan := p.opts.Tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(attribute.String("call.id", sess.CallID)))
	defer turnSpan.End()

	result := &TurnResult{}

	// Stage 1: speech to text.
	transcript := in.Text
	if in.IsAudio() {
		text, latency, err := p.transcribe(ctx, sess.CallID, in)
		result.STTLatency = latency
		if err != nil {
			return result, p.fail(turnSpan, err)
		}
		transcript = text
	}
	if transcript == "" {
		err := core.NewSTTError(sess.CallID, fmt.Errorf("empty transcript for non-silent input"))
		return result, p.fail(turnSpan, err)
	}
	result.Transcript = transcript

	// Stage 2: caller turn joins the history.
	if err := sess.Append(session.SpeakerCaller, transcript); err != nil {
		return result, p.fail(turnSpan, err)
	}

	// Stage 3: reply generation over the (windowed) history.
	reply, latency, err := p.generate(ctx, sess)
	result.LLMLatency = latency
	if err != nil {
		return result, p.fail(turnSpan, err)
	}
	result.ReplyText = reply

	// Stage 4: agent turn joins the history.
	if err := sess.Append(session.SpeakerAgent, reply); err != nil {
		return result, p.fail(turnSpan, err)
	}

	// Stage 5: text to speech.
	audio, format, latency, err := p.synthesize(ctx, sess.CallID, reply)
	result.TTSLatency = latency
	if err != nil {
		// Transcript and reply stay in history; only the audio is
		// missing from the result.
		return result, p.fail(turnSpan, err)
	}
	result.ReplyAudio = audio
	result.AudioFormat = format

	turnSpan.SetStatus(codes.Ok, "")
	return result, nil
}

func (p *Pipeline) transcribe(ctx context.Context, callID string, in Input) (string, time.Duration, error) {
	ctx, span := p.opts.Tracer.Start(ctx, "pipeline.stt")
	defer span.End()
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	start := time.Now()
	transcript, err := p.stt.Transcribe(ctx, in.Audio, stt.TranscribeOptions{
		Format:     in.Format,
		SampleRate: p.opts.SampleRate,
	})
	latency := time.Since(start)
	p.observe("stt", latency)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", latency, stageError(err, core.NewSTTError(callID, err))
	}
	return transcript.Text, latency, nil
}

func (p *Pipeline) generate(ctx context.Context, sess *session.Session) (string, time.Duration, error) {
	ctx, span := p.opts.Tracer.Start(ctx, "pipeline.llm")
	defer span.End()
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	start := time.Now()
	reply, err := p.llm.Generate(ctx, p.messages(sess), llm.GenerateOptions{})
	latency := time.Since(start)
	p.observe("llm", latency)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", latency, stageError(err, core.NewLLMError(sess.CallID, err))
	}
	if reply == "" {
		err := fmt.Errorf("empty reply")
		span.SetStatus(codes.Error, err.Error())
		return "", latency, core.NewLLMError(sess.CallID, err)
	}
	return reply, latency, nil
}

func (p *Pipeline) synthesize(ctx context.Context, callID, reply string) ([]byte, string, time.Duration, error) {
	ctx, span := p.opts.Tracer.Start(ctx, "pipeline.tts")
	defer span.End()
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	start := time.Now()
	synth, err := p.tts.Synthesize(ctx, reply, tts.SynthesizeOptions{
		Voice:      p.opts.Voice,
		SampleRate: p.opts.SampleRate,
	})
	latency := time.Since(start)
	p.observe("tts", latency)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, "", latency, stageError(err, core.NewTTSError(callID, err))
	}
	return synth.Audio, synth.Format, latency, nil
}

// messages converts the session history into the model conversation, with
// the system prompt first and the window applied from the tail.
func (p *Pipeline) messages(sess *session.Session) []llm.Message {
	history := sess.History()
	if w := p.opts.HistoryWindow; w > 0 && len(history) > w {
		history = history[len(history)-w:]
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: p.opts.SystemPrompt})
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Speaker == session.SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Text})
	}
	return msgs
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.StageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.opts.StageTimeout)
}

func (p *Pipeline) observe(stage string, d time.Duration) {
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveStage(stage, d)
	}
}

// stageError wraps an adapter failure as the stage's typed error, except
// for infrastructure errors, which pass through so the caller can escalate
// the whole call.
func stageError(err error, wrapped *core.Error) error {
	if typed := core.AsError(err); typed != nil && typed.IsTerminal() {
		return typed
	}
	return wrapped
}

func (p *Pipeline) fail(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	return err
}
