package types

// ErrorCode identifies an API failure as <AREA>_<HTTP status>.
type ErrorCode string

const (
	CodeInternal = ErrorCode("INTERNAL_500")

	CodeProcessBadRequest = ErrorCode("PROCESS_400")
	CodeProcessNotFound   = ErrorCode("PROCESS_404")

	CodeScanBadRequest  = ErrorCode("SCAN_400")
	CodeWriteBadRequest = ErrorCode("WRITE_400")

	CodeWorkorderBadRequest = ErrorCode("WORKORDER_400")
	CodeWorkorderNotFound   = ErrorCode("WORKORDER_404")
	CodeWorkorderInternal   = ErrorCode("WORKORDER_500")

	CodeRunsBadRequest  = ErrorCode("RUNS_400")
	CodeRunsInternal    = ErrorCode("RUNS_500")
	CodeRunsUnavailable = ErrorCode("RUNS_503")

	CodeAuthBadRequest   = ErrorCode("AUTH_400")
	CodeAuthUnauthorized = ErrorCode("AUTH_401")
	CodeAuthForbidden    = ErrorCode("AUTH_403")
	CodeAuthDisabled     = ErrorCode("AUTH_404")
	CodeAuthLocked       = ErrorCode("AUTH_429")
)

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code ErrorCode, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
