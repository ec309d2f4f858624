package main

import (
	"context"
	"flag"
	"os"
	"time"
)

// DefaultTimeout bounds the whole scenario run.
const DefaultTimeout = 30 * time.Second

func main() {
	timeout := flag.Duration("timeout", DefaultTimeout, "overall scenario run timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner := &ScenarioRunner{}

	runner.runTestWithInfo("cold start", "load(A, B), composite and encode until buffered", func() error {
		return scenarioColdStart(ctx)
	})
	runner.runTestWithInfo("swap at t=3.0s", "set_active(B) with current_time=3.00s", func() error {
		return scenarioSwapAt3s(ctx)
	})
	runner.runTestWithInfo("encoder saturation", "15 frames, encoder queue depth 11 for the last 4", func() error {
		return scenarioEncoderSaturation(ctx)
	})
	runner.runTestWithInfo("one stream ends early", "A EOFs at segment 5, B continues", func() error {
		return scenarioOneStreamEndsEarly(ctx)
	})
	runner.runTestWithInfo("abort mid-fetch", "destroy() during segment 3 fetch", func() error {
		return scenarioAbortMidFetch(ctx)
	})
	runner.runTestWithInfo("unsupported audio", "B declares mp4a.40.34, host decoder rejects it", func() error {
		return scenarioUnsupportedAudio(ctx)
	})

	os.Exit(runner.PrintSummary())
}
