package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivecompute/hive/core/mesh/common"
)

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	CID     string `json:"cid,omitempty"`
	PeerID  string `json:"peer_id,omitempty"`
}

var statusByCode = map[string]int{
	common.ErrCodeInvalidArgument:   http.StatusBadRequest,
	common.ErrCodeNotFound:          http.StatusNotFound,
	common.ErrCodeConflict:          http.StatusConflict,
	common.ErrCodeCancelled:         http.StatusConflict,
	common.ErrCodeRateLimited:       http.StatusTooManyRequests,
	common.ErrCodeIntegrity:         http.StatusUnprocessableEntity,
	common.ErrCodeContent:           http.StatusUnprocessableEntity,
	common.ErrCodeCapacity:          http.StatusServiceUnavailable,
	common.ErrCodeTimeout:           http.StatusGatewayTimeout,
	common.ErrCodeConnection:        http.StatusBadGateway,
	common.ErrCodeExhaustedRetries:  http.StatusBadGateway,
	common.ErrCodeCorruptTransfer:   http.StatusBadGateway,
	common.ErrCodeInvalidTransition: http.StatusConflict,
}

// codeTooLarge is reported when a request body exceeds its size limit.
const codeTooLarge = "payload_too_large"

// httpStatus maps an error to a response status.
func httpStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if status, ok := statusByCode[common.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func errorBody(err error) ErrorBody {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return ErrorBody{Code: codeTooLarge, Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
	}
	body := ErrorBody{Code: common.CodeOf(err), Message: err.Error()}
	if me, ok := common.AsMeshError(err); ok {
		body.Message = me.Message
		body.JobID = me.ContextString("job_id")
		body.CID = me.ContextString("cid")
		body.PeerID = me.ContextString("peer_id")
	}
	return body
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(httpStatus(err), gin.H{"error": errorBody(err)})
}
