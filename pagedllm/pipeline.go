package pagedllm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// ErrStalled is returned when requests remain unfinished but a step can no
// longer make progress. It indicates a scheduling bug, not a user error.
var ErrStalled = errors.New("pipeline stalled with unfinished requests")

// ContinuousBatchingPipeline drives generation for many concurrent requests
// over one shared KV cache pool. Requests are admitted between steps; each
// Step schedules a batch, runs the executor once and applies the sampled
// tokens. Step must be called from a single goroutine; AddRequest and
// handle methods are safe from any goroutine.
type ContinuousBatchingPipeline struct {
	config    *SchedulerConfig
	scheduler *Scheduler
	sampler   *Sampler
	tokenizer Tokenizer
	executor  Executor

	mu       sync.Mutex
	arrivals []*SequenceGroup

	active    map[uint64]*SequenceGroup
	nextReqID uint64

	// chat session state, guarded by mu. While a session is open every
	// admitted request is a turn: its prompt is prefixed with the history
	// and, on completion, prompt plus best completion become the new
	// history. chatTurns remembers the per-request turn context until the
	// request finishes.
	chatID      string
	chatHistory []int
	inChat      bool
	chatTurns   map[uint64]*chatTurn

	progress bool
}

// chatTurn is the session context captured when a turn was admitted.
type chatTurn struct {
	prompt  []int
	session string
}

// PipelineOption is a functional option for the pipeline.
type PipelineOption func(*ContinuousBatchingPipeline)

// WithProgressBar shows a progress bar during blocking Generate calls.
func WithProgressBar() PipelineOption {
	return func(p *ContinuousBatchingPipeline) { p.progress = true }
}

// NewContinuousBatchingPipeline assembles a pipeline from its collaborators.
func NewContinuousBatchingPipeline(config *SchedulerConfig, tokenizer Tokenizer, executor Executor, opts ...PipelineOption) *ContinuousBatchingPipeline {
	scheduler := NewScheduler(config)
	p := &ContinuousBatchingPipeline{
		config:    config,
		scheduler: scheduler,
		sampler:   NewSampler(scheduler.Pool(), tokenizer.EOSTokenID()),
		tokenizer: tokenizer,
		executor:  executor,
		active:    make(map[uint64]*SequenceGroup),
		chatTurns: make(map[uint64]*chatTurn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Scheduler exposes the scheduler for tests.
func (p *ContinuousBatchingPipeline) Scheduler() *Scheduler { return p.scheduler }

// Close releases the executor.
func (p *ContinuousBatchingPipeline) Close() error { return p.executor.Close() }

// AddRequest validates and queues one request, returning a handle the
// caller polls (or cancels). stream may be nil; a non-nil stream requires a
// config producing a single sequence. While a chat session is open the
// request becomes a turn of that session.
func (p *ContinuousBatchingPipeline) AddRequest(prompt string, gc *GenerationConfig, stream StreamFunc) (*GenerationHandle, error) {
	tokens, err := p.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}
	return p.addRequestTokens(tokens, gc, stream)
}

func (p *ContinuousBatchingPipeline) addRequestTokens(tokens []int, gc *GenerationConfig, stream StreamFunc) (*GenerationHandle, error) {
	if err := gc.Validate(); err != nil {
		return nil, err
	}
	if stream != nil && (gc.NumBeams > 1 || gc.NumReturnSequences > 1) {
		return nil, fmt.Errorf("%w: streaming requires a single-sequence config", ErrInvalidConfig)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextReqID
	p.nextReqID++
	if p.inChat {
		full := make([]int, 0, len(p.chatHistory)+len(tokens))
		full = append(full, p.chatHistory...)
		full = append(full, tokens...)
		tokens = full
		p.chatTurns[id] = &chatTurn{prompt: tokens, session: p.chatID}
	}
	g := NewSequenceGroup(id, tokens, gc, p.config.BlockSize, p.config.Seed)
	g.Handle = newGenerationHandle(id, stream)
	p.arrivals = append(p.arrivals, g)
	logrus.Debugf("request %d queued: %d prompt tokens, %s", id, len(tokens), gc.Strategy())
	return g.Handle, nil
}

// HasUnfinishedRequests reports whether any admitted or queued request is
// still generating.
func (p *ContinuousBatchingPipeline) HasUnfinishedRequests() bool {
	p.mu.Lock()
	pending := len(p.arrivals) > 0
	p.mu.Unlock()
	return pending || p.scheduler.HasUnfinished()
}

// Step advances every admitted request by one scheduling round: drain
// arrivals and cancellations, schedule, run the executor, sample, stream
// and complete. Returns whether any work happened.
func (p *ContinuousBatchingPipeline) Step() (bool, error) {
	p.drainArrivals()
	p.applyCancellations()

	batch := p.scheduler.Schedule()
	didWork := len(batch.Items) > 0

	if len(batch.Items) > 0 {
		rows, err := p.executor.Run(batch)
		if err != nil {
			return didWork, fmt.Errorf("executor step failed: %w", err)
		}
		for _, item := range batch.Items {
			item.Seq.NumComputed = item.StartPos + item.NumTokens
		}
		p.sampleBatch(batch, rows)
	}

	didWork = p.completeFinished() || didWork
	return didWork, nil
}

func (p *ContinuousBatchingPipeline) drainArrivals() {
	p.mu.Lock()
	arrivals := p.arrivals
	p.arrivals = nil
	p.mu.Unlock()
	for _, g := range arrivals {
		p.active[g.RequestID] = g
		p.scheduler.AddGroup(g)
	}
}

// applyCancellations withdraws every request whose handle was cancelled
// since the last step, returning whatever was generated so far.
func (p *ContinuousBatchingPipeline) applyCancellations() {
	for _, g := range p.active {
		if !g.Handle.isCancelled() || g.Status == StatusFinished {
			continue
		}
		if g.Status == StatusSwapped {
			p.scheduler.preemption.Release(g)
		}
		p.scheduler.RemoveGroup(g)
		g.finishAll(p.scheduler.Pool(), FinishCancelled)
		logrus.Debugf("request %d cancelled", g.RequestID)
	}
}

// sampleBatch groups the logits rows per request and applies one sampling
// round to every group that reached its frontier this step.
func (p *ContinuousBatchingPipeline) sampleBatch(batch *ScheduledBatch, rows [][]float32) {
	var order []*SequenceGroup
	groupRows := make(map[uint64]map[int64][]float32)
	for i, item := range batch.Items {
		if !item.SampleNeeded {
			continue
		}
		gr, ok := groupRows[item.Group.RequestID]
		if !ok {
			gr = make(map[int64][]float32)
			groupRows[item.Group.RequestID] = gr
			order = append(order, item.Group)
		}
		gr[item.Seq.SeqID] = rows[i]
	}

	for _, g := range order {
		ems, err := p.sampler.SampleGroup(g, groupRows[g.RequestID])
		p.streamEmissions(g, ems)
		if err != nil {
			// Sampling could not be backed by cache even after the step's
			// capacity reservation; truncate with partial output.
			logrus.Warnf("request %d: sampling exhausted cache, truncating: %v", g.RequestID, err)
			p.scheduler.RemoveGroup(g)
			p.scheduler.terminateOOM(g)
		}
	}
}

// streamEmissions delivers this step's decoded fragments. A stream callback
// returning true cancels the emitting sequence only.
func (p *ContinuousBatchingPipeline) streamEmissions(g *SequenceGroup, ems []emission) {
	if g.Handle.stream == nil {
		return
	}
	for _, em := range ems {
		frag, err := p.tokenizer.Decode(em.tokens)
		if err != nil {
			logrus.Warnf("request %d: fragment decode failed: %v", g.RequestID, err)
			continue
		}
		if g.Handle.stream(frag) && !em.seq.IsFinished() {
			g.finishSeq(p.scheduler.Pool(), em.seq, FinishCancelled)
		}
	}
}

// completeFinished retires finished groups: decodes output texts, detaches
// them from the scheduler and resolves their handles.
func (p *ContinuousBatchingPipeline) completeFinished() bool {
	done := false
	for _, g := range p.scheduler.DrainFinished() {
		p.finishGroup(g)
		done = true
	}
	for id, g := range p.active {
		if !g.IsFinished() {
			continue
		}
		if g.Status != StatusFinished {
			g.Status = StatusFinished
			p.scheduler.RemoveGroup(g)
		}
		p.finishGroup(g)
		delete(p.active, id)
		done = true
	}
	return done
}

func (p *ContinuousBatchingPipeline) finishGroup(g *SequenceGroup) {
	result := &GenerationResult{RequestID: g.RequestID}
	for _, out := range g.outputs {
		text, err := p.tokenizer.Decode(out.TokenIDs)
		if err != nil {
			logrus.Warnf("request %d: output decode failed: %v", g.RequestID, err)
		}
		out.Text = text
		result.Outputs = append(result.Outputs, out)
	}
	p.foldChatTurn(g.RequestID, result)
	g.Handle.complete(result)
	delete(p.active, g.RequestID)
	logrus.Debugf("request %d finished with %d outputs", g.RequestID, len(result.Outputs))
}

// foldChatTurn stamps a finished turn's session id on its result and rolls
// the turn into the session history. Outputs[0] holds the best completion,
// so multi-sequence configs continue from their top-ranked answer.
func (p *ContinuousBatchingPipeline) foldChatTurn(requestID uint64, result *GenerationResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	turn, ok := p.chatTurns[requestID]
	if !ok {
		return
	}
	delete(p.chatTurns, requestID)
	result.SessionID = turn.session
	if !p.inChat || p.chatID != turn.session {
		// Session was reset or closed while the turn was in flight.
		return
	}
	p.chatHistory = turn.prompt
	if len(result.Outputs) > 0 {
		p.chatHistory = append(p.chatHistory, result.Outputs[0].TokenIDs...)
	}
}

// Generate runs a batch of prompts to completion and returns results in
// prompt order. configs holds either one config broadcast to all prompts or
// one per prompt. A non-nil streamer requires exactly one prompt. While a
// chat session is open each prompt is a turn of that session.
func (p *ContinuousBatchingPipeline) Generate(prompts []string, configs []*GenerationConfig, streamer StreamFunc) ([]*GenerationResult, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: no prompts given", ErrInvalidConfig)
	}
	if len(configs) != 1 && len(configs) != len(prompts) {
		return nil, fmt.Errorf("%w: got %d configs for %d prompts", ErrInvalidConfig, len(configs), len(prompts))
	}
	if streamer != nil && len(prompts) != 1 {
		return nil, fmt.Errorf("%w: streaming requires a single prompt", ErrInvalidConfig)
	}

	handles := make([]*GenerationHandle, len(prompts))
	for i, prompt := range prompts {
		gc := configs[0]
		if len(configs) > 1 {
			gc = configs[i]
		}
		h, err := p.AddRequest(prompt, gc, streamer)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}
	if err := p.runToCompletion(handles); err != nil {
		return nil, err
	}

	results := make([]*GenerationResult, len(handles))
	for i, h := range handles {
		results[i] = h.Result()
	}
	return results, nil
}

// runToCompletion steps the pipeline until every given handle resolves.
func (p *ContinuousBatchingPipeline) runToCompletion(handles []*GenerationHandle) error {
	var bar *progressbar.ProgressBar
	if p.progress {
		bar = progressbar.Default(int64(len(handles)), "generating")
	}
	finished := 0
	for finished < len(handles) {
		didWork, err := p.Step()
		if err != nil {
			return err
		}
		n := 0
		for _, h := range handles {
			if h.Finished() {
				n++
			}
		}
		if bar != nil && n > finished {
			bar.Add(n - finished)
		}
		if n == finished && !didWork {
			return ErrStalled
		}
		finished = n
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

// StartChat opens a chat session. While it is open every Generate or
// AddRequest call is a turn: it sees the concatenated token history of all
// previous turns, reusing their KV blocks through the prefix cache. A
// session that is already open is replaced. systemMessage may be empty.
func (p *ContinuousBatchingPipeline) StartChat(systemMessage string) error {
	var history []int
	if systemMessage != "" {
		tokens, err := p.tokenizer.Encode(systemMessage)
		if err != nil {
			return fmt.Errorf("failed to encode system message: %w", err)
		}
		history = tokens
	}
	p.mu.Lock()
	p.chatID = uuid.NewString()
	p.chatHistory = history
	p.inChat = true
	id := p.chatID
	p.mu.Unlock()
	logrus.Debugf("chat session %s started", id)
	return nil
}

// Chat generates one turn. It is shorthand for a single-prompt Generate;
// without an open session the turn is stateless.
func (p *ContinuousBatchingPipeline) Chat(message string, gc *GenerationConfig, streamer StreamFunc) (*GenerationResult, error) {
	results, err := p.Generate([]string{message}, []*GenerationConfig{gc}, streamer)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// FinishChat closes the session and drops its history. Calling it without
// an open session is a no-op.
func (p *ContinuousBatchingPipeline) FinishChat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inChat {
		return
	}
	logrus.Debugf("chat session %s finished", p.chatID)
	p.chatID = ""
	p.chatHistory = nil
	p.inChat = false
}
