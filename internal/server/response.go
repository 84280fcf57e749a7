package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Komala-2k/Payment-wallet-week2/internal/directory"
	"github.com/Komala-2k/Payment-wallet-week2/internal/ledger"
)

const (
	codeUnauthorized    = "UNAUTHORIZED"
	codeAliasTaken      = "ALIAS_TAKEN"
	codeAliasNotFound   = "ALIAS_NOT_FOUND"
	codeInternal        = "INTERNAL"
	codeInvalidUsername = "INVALID_USERNAME"
)

var errInvalidLimit = errors.New("limit must be a non-negative integer")

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

var ledgerStatus = map[ledger.ErrorCode]int{
	ledger.CodeInvalidAmount:   http.StatusBadRequest,
	ledger.CodeInvalidInput:    http.StatusBadRequest,
	ledger.CodeSelfTransfer:    http.StatusBadRequest,
	ledger.CodeInsufficient:    http.StatusBadRequest,
	ledger.CodeAccountNotFound: http.StatusNotFound,
	ledger.CodeSourceNotFound:  http.StatusNotFound,
	ledger.CodeDestNotFound:    http.StatusNotFound,
	ledger.CodeStorage:         http.StatusServiceUnavailable,
}

// respondErr writes any error from the ledger or directory with its stable
// code. Storage failures keep their detail in the log, not the response.
func (h *Handler) respondErr(c *gin.Context, err error) {
	var le *ledger.Error
	switch {
	case errors.As(err, &le):
		status, ok := ledgerStatus[le.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		if le.Code == ledger.CodeStorage {
			h.log.Error("Request failed on storage", "path", c.FullPath(), "error", err)
		}
		c.AbortWithStatusJSON(status, ErrorEnvelope{
			Error: APIError{Message: le.Message, Code: string(le.Code), Field: le.Field},
		})
	case errors.Is(err, directory.ErrInvalidUsername):
		RespondError(c, http.StatusBadRequest, codeInvalidUsername, err)
	case errors.Is(err, directory.ErrInvalidName):
		RespondError(c, http.StatusBadRequest, string(ledger.CodeInvalidInput), err)
	case errors.Is(err, directory.ErrAliasTaken):
		RespondError(c, http.StatusConflict, codeAliasTaken, err)
	case errors.Is(err, directory.ErrAliasNotFound):
		RespondError(c, http.StatusNotFound, codeAliasNotFound, err)
	default:
		h.log.Error("Request failed", "path", c.FullPath(), "error", err)
		RespondError(c, http.StatusInternalServerError, codeInternal, errors.New("internal error"))
	}
}
