// Package analyze turns a finished call recording into a structured
// conversation: transcript, per-utterance speaker and mood, and an overall
// summary.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Utterance is one diarized segment of the call, with millisecond offsets
// into the recording.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Mood    string `json:"mood"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Result is the analyzer's output for one call.
type Result struct {
	Summary    string      `json:"summary"`
	Mood       string      `json:"overall_mood"`
	Utterances []Utterance `json:"utterances"`
}

// Analyzer is the call-analysis boundary consumed by the finalizer.
type Analyzer interface {
	Analyze(ctx context.Context, recording io.Reader, callerName, agentName string) (*Result, error)
}

// OpenAIAnalyzer transcribes with an audio model and diarizes/summarizes
// with a chat model.
type OpenAIAnalyzer struct {
	client     openai.Client
	chatModel  string
	audioModel string
}

// NewOpenAIAnalyzer creates an analyzer backed by the OpenAI API.
func NewOpenAIAnalyzer(apiKey, chatModel, audioModel string) *OpenAIAnalyzer {
	return &OpenAIAnalyzer{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		chatModel:  chatModel,
		audioModel: audioModel,
	}
}

const diarizePrompt = `You are analyzing a transcript of a phone call between a caller (%s) and an agent (%s).
Split the transcript into utterances, attribute each to "caller" or "agent", estimate start/end offsets in milliseconds, and rate the mood of each utterance and of the call overall as one of: positive, neutral, negative.
Respond with JSON only, in this shape:
{"summary": "...", "overall_mood": "...", "utterances": [{"speaker": "caller", "text": "...", "mood": "neutral", "start_ms": 0, "end_ms": 1200}]}`

// Analyze transcribes the recording and asks the chat model for a
// structured diarization.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, recording io.Reader, callerName, agentName string) (*Result, error) {
	transcription, err := a.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(a.audioModel),
		File:  openai.File(recording, "recording.wav", "audio/wav"),
	})
	if err != nil {
		return nil, fmt.Errorf("transcribing recording: %w", err)
	}

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(diarizePrompt, callerName, agentName)),
			openai.UserMessage(transcription.Text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("diarizing transcript: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("diarizing transcript: empty completion")
	}

	result, err := parseResult(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if result.Summary == "" {
		result.Summary = transcription.Text
	}
	return result, nil
}

// parseResult decodes the model's JSON reply, tolerating markdown code
// fences around it.
func parseResult(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parsing analysis: %w", err)
	}
	if result.Mood == "" {
		result.Mood = "unknown"
	}
	return &result, nil
}
