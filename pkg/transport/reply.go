package transport

import (
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// ReplyError is the error carried in a reply: {"error":{"message","type"}}.
type ReplyError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type replyEnvelope struct {
	Error *ReplyError `json:"error"`
}

func errorReply(err error) replyEnvelope {
	return replyEnvelope{Error: &ReplyError{
		Message: err.Error(),
		Type:    string(errors.TypeOf(err)),
	}}
}

// replyError extracts the error from reply args, nil for a successful reply.
func replyError(args json.RawMessage) error {
	if !json.IsObject(args) {
		return nil
	}
	var env replyEnvelope
	if err := json.Unmarshal(args, &env); err != nil || env.Error == nil {
		return nil
	}
	typ := errors.ErrorType(env.Error.Type)
	if typ == "" {
		typ = errors.ErrorTypeInternal
	}
	return errors.New(typ, env.Error.Message)
}
