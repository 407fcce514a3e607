package cmd

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/svatoshgpt/gemini-bot-discord/geminibot"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := geminibot.Version
	originalCommitSHA := geminibot.CommitSHA
	originalBuildTime := geminibot.BuildTime

	t.Cleanup(
		func() {
			geminibot.Version = originalVersion
			geminibot.CommitSHA = originalCommitSHA
			geminibot.BuildTime = originalBuildTime
		},
	)

	geminibot.Version = "1.0.0"
	geminibot.CommitSHA = "abc123"
	geminibot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		geminibot.Version,
		geminibot.CommitSHA,
		geminibot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
