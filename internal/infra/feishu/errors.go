package feishu

import (
	"errors"
	"fmt"
)

// Feishu open platform error codes this package distinguishes
const (
	CodeRateLimited       = 99991400
	CodeTokenInvalid      = 99991663
	CodeTokenExpired      = 99991664
	CodeAppUnauthorized   = 99991672
	CodeMessageNotFound   = 230001
	CodeBotNotInChat      = 230002
	CodeChatDisbanded     = 232009
	CodeUserNotReachable  = 230013
	CodeAppSecretInvalid  = 10014
	CodeInternalServerErr = 99991500
)

// APIError is a non-success response from the open platform
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error: code=%d msg=%s", e.Op, e.Code, e.Msg)
}

// APICode extracts the platform error code, 0 when err is not an APIError
func APICode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
