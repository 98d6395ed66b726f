package llm

import "context"

// Result is the outcome of one generation: either parsed data or the reason it failed.
// Callers substitute fallback content on failure; a Result never carries both.
type Result struct {
	data map[string]any
	err  error
}

// Success wraps a parsed JSON object.
func Success(data map[string]any) Result {
	return Result{data: data}
}

// Failure wraps the reason a generation produced nothing usable.
func Failure(err error) Result {
	if err == nil {
		err = ErrEmptyResponse
	}
	return Result{err: err}
}

func (r Result) Ok() bool { return r.err == nil }

// Data returns the parsed object, or nil on failure.
func (r Result) Data() map[string]any { return r.data }

// Err returns the failure reason, or nil on success.
func (r Result) Err() error { return r.err }

// Generator produces a structured result for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) Result
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) Result

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) Result { return f(ctx, prompt) }
