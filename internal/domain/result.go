package domain

// EventResult is what a single handler invocation, or a whole dispatch,
// reports back.
type EventResult struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
}

func Succeeded(data map[string]any) EventResult {
	return EventResult{Success: true, Data: data}
}

func Failed(err string, errorType string) EventResult {
	if errorType == "" {
		errorType = ErrorTypeHandler
	}
	return EventResult{Success: false, Error: err, ErrorType: errorType}
}

// CombineResults folds handler results in execution order. The first failure
// wins; otherwise success data maps are merged, later keys overwriting
// earlier ones.
func CombineResults(results []EventResult) EventResult {
	for _, r := range results {
		if !r.Success {
			return r
		}
	}
	merged := make(map[string]any)
	for _, r := range results {
		for k, v := range r.Data {
			merged[k] = v
		}
	}
	return Succeeded(merged)
}
