package capture

import "errors"

// Common errors
var (
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrClosed            = errors.New("context closed")
)

// Pipeline error classes. Synchronous rejections wrap one of these so callers
// can test with errors.Is.
var (
	// ErrSequence reports an API call made out of order, such as AddLayer
	// without a preceding BeginFrame. No state is changed.
	ErrSequence = errors.New("sequence error")

	// ErrResource reports a backend, device or allocation that is unavailable
	// at context creation.
	ErrResource = errors.New("resource unavailable")

	// ErrConversion reports an unsupported pixel or sample format combination.
	ErrConversion = errors.New("unsupported format conversion")

	// ErrEncode wraps codec backend failures inside tasks. The frame is dropped.
	ErrEncode = errors.New("encode failed")

	// ErrFatalIO reports a muxer or sink failure. The stream stops accepting
	// writes; Close still finalizes what was written.
	ErrFatalIO = errors.New("output failed")
)
