package stage

import "context"

// Invoker is the LLM-call collaborator: prompt context in, raw structured
// output out. Implementations classify their failures with Retryable and
// Fatal; anything else is treated as retryable.
//
// The raw map is untrusted. It flows through the stage's schema before
// anything downstream reads it.
type Invoker interface {
	Invoke(ctx context.Context, stageID string, runContext map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, stageID string, runContext map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, stageID string, runContext map[string]any) (map[string]any, error) {
	return f(ctx, stageID, runContext)
}
