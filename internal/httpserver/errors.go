package httpserver

const (
	ErrInvalidSignature = "invalid signature"
	ErrMissingSignature = "missing signature"
	ErrRateLimited      = "rate limit exceeded"
)
