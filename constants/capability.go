package constants

// Capability names accepted by the tool registry. Anything else is rejected.
const (
	CapExtractText      = "extract_text"
	CapExtractTextLite  = "extract_text_lite"
	CapIsolateDiagram   = "isolate_diagram"
	CapVerifyAnswer     = "verify_answer"
	CapVerifyAnswerLite = "verify_answer_lite"
	CapDraftNarrative   = "draft_narrative"
)

// Stable machine-readable codes for capability failures.
const (
	ErrCodeInvalidArgs        = "INVALID_ARGS"
	ErrCodeUnknownCapability  = "UNKNOWN_CAPABILITY"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeMalformedResponse  = "MALFORMED_RESPONSE"
	ErrCodeProvider           = "PROVIDER_ERROR"
	ErrCodeDiagramUnavailable = "DIAGRAM_UNAVAILABLE"
)
