package discord

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var ErrUnauthorized = errors.New("improper token was passed")

// RestError contains the error structure that is returned by discord.
type RestError struct {
	Message      *ErrorMessage
	Method       string
	URL          string
	StatusCode   int
	ResponseBody []byte
}

// ErrorMessage represents a basic error message.
type ErrorMessage struct {
	Message string              `json:"message"`
	Errors  jsoniter.RawMessage `json:"errors"`
	Code    int32               `json:"code"`
}

func NewRestError(method, url string, statusCode int, body []byte) *RestError {
	var errorMessage ErrorMessage

	_ = jsoniter.Unmarshal(body, &errorMessage)

	return &RestError{
		Message:      &errorMessage,
		Method:       method,
		URL:          url,
		StatusCode:   statusCode,
		ResponseBody: body,
	}
}

func (r *RestError) Error() string {
	return fmt.Sprintf("%s %s: %d: %s", r.Method, r.URL, r.StatusCode, r.Message.Message)
}
