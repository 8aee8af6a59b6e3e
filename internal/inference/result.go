package inference

// Result is the normalized outcome of one request. Text is meaningful only
// when Success is set; Failure only when it is not.
type Result struct {
	Text     string
	ImageURL string
	Success  bool
	Failure  *Error
}

// Succeeded wraps extracted text.
func Succeeded(text string) Result {
	return Result{Text: text, Success: true}
}

// Failed wraps a failure.
func Failed(err *Error) Result {
	return Result{Failure: err}
}

// Kind returns the failure kind, or "" on success.
func (r Result) Kind() Kind {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Kind
}

// ErrorMessage returns the caller-safe failure message.
func (r Result) ErrorMessage() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Message
}
