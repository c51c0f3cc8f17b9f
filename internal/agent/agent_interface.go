// Package agent connects conversations to a language model: Gemini through
// its OpenAI-compatible endpoint, or a model sidecar over gRPC.
package agent

import "context"

// Generator produces a reply for one prompt. Calls are stateless; no prior
// turns are sent.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Backend is a Generator holding resources.
type Backend interface {
	Generator
	Name() string
	Close()
}

// Ensure both backends implement Backend.
var (
	_ Backend = (*GeminiClient)(nil)
	_ Backend = (*GrpcClient)(nil)
)
