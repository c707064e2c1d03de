package pagedllm

import "sync"

// StreamFunc receives decoded text fragments synchronously, in generation
// order. Returning true cancels further generation for the sequence that
// produced the fragment; sibling sequences and other requests are
// unaffected. Concatenating every fragment delivered for a sequence yields
// exactly that sequence's buffered final text.
type StreamFunc func(fragment string) bool

// GenerationOutput is one finished sequence of a request.
type GenerationOutput struct {
	SeqID        int64
	TokenIDs     []int
	Text         string
	Score        float64
	FinishReason FinishReason
}

// GenerationResult carries all outputs of one request, best first for
// strategies that rank (beam search).
type GenerationResult struct {
	RequestID uint64
	// SessionID names the chat session this request was a turn of; empty
	// for stateless requests.
	SessionID string
	Outputs   []GenerationOutput
}

// Texts returns the decoded texts of all outputs in rank order.
func (r *GenerationResult) Texts() []string {
	texts := make([]string, len(r.Outputs))
	for i, o := range r.Outputs {
		texts[i] = o.Text
	}
	return texts
}

// Scores returns the cumulative (or length-normalized, for beam search)
// log-probability scores of all outputs.
func (r *GenerationResult) Scores() []float64 {
	scores := make([]float64, len(r.Outputs))
	for i, o := range r.Outputs {
		scores[i] = o.Score
	}
	return scores
}

// GenerationHandle connects a submitted request with its eventual result.
// It is safe for use from a goroutine other than the one driving Step.
type GenerationHandle struct {
	requestID uint64
	stream    StreamFunc

	mu        sync.Mutex
	result    *GenerationResult
	finished  bool
	cancelled bool
}

func newGenerationHandle(requestID uint64, stream StreamFunc) *GenerationHandle {
	return &GenerationHandle{requestID: requestID, stream: stream}
}

// RequestID returns the id assigned at submission.
func (h *GenerationHandle) RequestID() uint64 { return h.requestID }

// Finished reports whether the request completed (including truncation and
// cancellation).
func (h *GenerationHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Cancel withdraws the whole request. Observed at the next step boundary;
// whatever was generated so far is returned as the result.
func (h *GenerationHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func (h *GenerationHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Result returns the final result, or nil while generation is in flight.
func (h *GenerationHandle) Result() *GenerationResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		return nil
	}
	return h.result
}

func (h *GenerationHandle) complete(result *GenerationResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = result
	h.finished = true
}
