package chatclient

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotReady is returned when join retries are exhausted.
	ErrConversationNotReady = errors.New("conversation not ready")

	// ErrClosed is returned by transport calls after Close.
	ErrClosed = errors.New("chatclient: connection closed")

	// ErrAttachmentOverWS is returned when an attachment is sent over the socket.
	ErrAttachmentOverWS = errors.New("chatclient: attachments must be sent over REST")
)

// RemoteError is a typed failure reported by the server, over REST or the socket.
type RemoteError struct {
	Status  int // HTTP status; zero for socket errors
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chat server: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chat server: %s: %s", e.Code, e.Message)
}

// CodeOf returns the server error code carried by err, or "".
func CodeOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
