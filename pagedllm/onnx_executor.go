package pagedllm

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXExecutor runs a causal LM exported to ONNX. It is stateless: every
// sampled item is recomputed from its full token prefix, so block reuse and
// preemption never change what the model sees. Suitable for small models
// and correctness work; a KV-cache-aware runner would plug in behind the
// same interface.
type ONNXExecutor struct {
	modelPath string
	vocabSize int
	options   *ort.SessionOptions
}

// NewONNXExecutor initializes the ONNX runtime and prepares session options.
func NewONNXExecutor(modelPath string, vocabSize int) (*ONNXExecutor, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(4); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}
	return &ONNXExecutor{modelPath: modelPath, vocabSize: vocabSize, options: options}, nil
}

// VocabSize returns the model vocabulary size.
func (e *ONNXExecutor) VocabSize() int { return e.vocabSize }

// Run produces a logits row for every item that reaches its frontier.
func (e *ONNXExecutor) Run(batch *ScheduledBatch) ([][]float32, error) {
	rows := make([][]float32, len(batch.Items))
	for i, item := range batch.Items {
		if !item.SampleNeeded {
			continue
		}
		prefix := item.Seq.TokenIDs[:item.StartPos+item.NumTokens]
		row, err := e.lastTokenLogits(prefix)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", item.Seq.SeqID, err)
		}
		rows[i] = row
	}
	return rows, nil
}

// lastTokenLogits runs the model over the prefix and extracts the logits of
// the final position.
func (e *ONNXExecutor) lastTokenLogits(prefix []int) ([]float32, error) {
	inputShape := ort.NewShape(1, int64(len(prefix)))
	inputData := make([]int64, len(prefix))
	for i, id := range prefix {
		inputData[i] = int64(id)
	}
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, int64(len(prefix)), int64(e.vocabSize))
	outputData := make([]float32, len(prefix)*e.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		e.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		e.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	logits := outputTensor.GetData()
	start := (len(prefix) - 1) * e.vocabSize
	row := make([]float32, e.vocabSize)
	copy(row, logits[start:start+e.vocabSize])
	return row, nil
}

// Close releases the session options. The runtime environment stays
// initialized for other executors in the process.
func (e *ONNXExecutor) Close() error {
	if e.options != nil {
		e.options.Destroy()
		e.options = nil
	}
	return nil
}
