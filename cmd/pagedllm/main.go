package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"paged-llm-go/pagedllm"
)

var (
	flagConfig       string
	flagNumKVBlocks  int
	flagBlockSize    int
	flagMaxTokens    int
	flagSplitFuse    bool
	flagSwapBlocks   int
	flagSeed         int64
	flagMaxNewTokens int
	flagNumBeams     int
	flagDoSample     bool
	flagTemperature  float64
	flagTopK         int
	flagTopP         float64
	flagModelPath    string
	flagTokenizer    string
	flagEOSTokenID   int
	flagVocabSize    int
	flagVerbose      bool
	flagStream       bool
)

func main() {
	root := &cobra.Command{
		Use:   "pagedllm [prompts...]",
		Short: "Continuous-batching text generation over a paged KV cache",
		Long: `pagedllm generates completions for one or more prompts using a
continuous-batching scheduler with paged KV cache management. Without a
model path it runs a deterministic built-in stub, useful for exercising
scheduling, preemption and sampling behavior.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runGenerate,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "scheduler config YAML file")
	root.PersistentFlags().IntVar(&flagNumKVBlocks, "num-kv-blocks", 256, "KV cache pool size in blocks")
	root.PersistentFlags().IntVar(&flagBlockSize, "block-size", 16, "tokens per KV block")
	root.PersistentFlags().IntVar(&flagMaxTokens, "max-batched-tokens", 256, "per-step token budget")
	root.PersistentFlags().BoolVar(&flagSplitFuse, "split-fuse", false, "mix partial prefill and decode in one step")
	root.PersistentFlags().IntVar(&flagSwapBlocks, "swap-blocks", 0, "swap store capacity in blocks (0 = recompute on preemption)")
	root.PersistentFlags().Int64Var(&flagSeed, "seed", 0, "sampling seed")
	root.PersistentFlags().IntVar(&flagMaxNewTokens, "max-new-tokens", 30, "generation length limit")
	root.PersistentFlags().IntVar(&flagNumBeams, "num-beams", 1, "beam count (>1 enables beam search)")
	root.PersistentFlags().BoolVar(&flagDoSample, "do-sample", false, "use multinomial sampling")
	root.PersistentFlags().Float64Var(&flagTemperature, "temperature", 1.0, "sampling temperature")
	root.PersistentFlags().IntVar(&flagTopK, "top-k", 0, "top-k filter (0 = off)")
	root.PersistentFlags().Float64Var(&flagTopP, "top-p", 1.0, "top-p nucleus filter")
	root.PersistentFlags().StringVar(&flagModelPath, "model", "", "ONNX model path (empty = built-in stub)")
	root.PersistentFlags().StringVar(&flagTokenizer, "tokenizer", "", "tokenizer.json path (empty = byte-level mock)")
	root.PersistentFlags().IntVar(&flagEOSTokenID, "eos-token-id", 0, "EOS token id for the HF tokenizer")
	root.PersistentFlags().IntVar(&flagVocabSize, "vocab-size", 1000, "vocabulary size for the stub executor")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.Flags().BoolVar(&flagStream, "stream", false, "stream tokens as they generate (single prompt only)")

	chat := &cobra.Command{
		Use:   "chat [system message]",
		Short: "Interactive chat session with KV reuse across turns",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}
	root.AddCommand(chat)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildPipeline() (*pagedllm.ContinuousBatchingPipeline, error) {
	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	var (
		cfg *pagedllm.SchedulerConfig
		err error
	)
	if flagConfig != "" {
		cfg, err = pagedllm.LoadSchedulerConfig(flagConfig)
	} else {
		cfg, err = pagedllm.NewSchedulerConfig(
			pagedllm.WithNumKVBlocks(flagNumKVBlocks),
			pagedllm.WithBlockSize(flagBlockSize),
			pagedllm.WithMaxNumBatchedTokens(flagMaxTokens),
			pagedllm.WithDynamicSplitFuse(flagSplitFuse),
			pagedllm.WithNumSwapBlocks(flagSwapBlocks),
			pagedllm.WithSeed(flagSeed),
		)
	}
	if err != nil {
		return nil, err
	}

	var tokenizer pagedllm.Tokenizer
	if flagTokenizer != "" {
		hf, err := pagedllm.NewHFTokenizer(flagTokenizer, flagEOSTokenID)
		if err != nil {
			return nil, err
		}
		tokenizer = hf
		flagVocabSize = hf.VocabSize()
	} else {
		tokenizer = pagedllm.NewMockTokenizer(flagEOSTokenID)
	}

	var executor pagedllm.Executor
	if flagModelPath != "" {
		executor, err = pagedllm.NewONNXExecutor(flagModelPath, flagVocabSize)
		if err != nil {
			return nil, err
		}
	} else {
		executor = pagedllm.NewStubExecutor(flagVocabSize)
	}

	return pagedllm.NewContinuousBatchingPipeline(cfg, tokenizer, executor, pagedllm.WithProgressBar()), nil
}

func generationConfig() *pagedllm.GenerationConfig {
	return pagedllm.NewGenerationConfig(
		pagedllm.WithMaxNewTokens(flagMaxNewTokens),
		pagedllm.WithNumBeams(flagNumBeams),
		pagedllm.WithDoSample(flagDoSample),
		pagedllm.WithTemperature(flagTemperature),
		pagedllm.WithTopK(flagTopK),
		pagedllm.WithTopP(flagTopP),
	)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	pipeline, err := buildPipeline()
	if err != nil {
		return err
	}
	defer pipeline.Close()

	var streamer pagedllm.StreamFunc
	if flagStream {
		if len(args) != 1 {
			return fmt.Errorf("--stream requires exactly one prompt")
		}
		streamer = func(fragment string) bool {
			fmt.Print(fragment)
			return false
		}
	}

	results, err := pipeline.Generate(args, []*pagedllm.GenerationConfig{generationConfig()}, streamer)
	if err != nil {
		return err
	}
	if flagStream {
		fmt.Println()
		return nil
	}
	for i, result := range results {
		fmt.Printf("--- prompt %d ---\n", i)
		for j, text := range result.Texts() {
			fmt.Printf("[%d] %s\n", j, text)
		}
	}
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	pipeline, err := buildPipeline()
	if err != nil {
		return err
	}
	defer pipeline.Close()

	system := ""
	if len(args) > 0 {
		system = args[0]
	}
	if err := pipeline.StartChat(system); err != nil {
		return err
	}
	defer pipeline.FinishChat()

	gc := generationConfig()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("chat session open; empty line exits")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		result, err := pipeline.Chat(line, gc, nil)
		if err != nil {
			return err
		}
		if len(result.Outputs) > 0 {
			fmt.Println(result.Outputs[0].Text)
		}
	}
	return scanner.Err()
}
