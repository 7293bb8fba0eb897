package dispatch

import (
	"context"
	"encoding/base64"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// Remote commands served by the orchestration service.
const (
	MethodNewTask        = "new-task"
	MethodUpdateTask     = "update-task"
	MethodGetBlob        = "get-blob"
	MethodGetBlobContent = "get-blob-content"
	MethodCreateBlob     = "create-blob"
)

// Caller sends correlated commands and fire-and-forget events to the server.
type Caller interface {
	Call(ctx context.Context, method string, args interface{}) (json.RawMessage, error)
	Emit(event string, args interface{}) error
}

// remote implements capability.Tasks and capability.Blobs as correlated
// calls over the socket.
type remote struct {
	caller Caller
}

func (r remote) NewTask(ctx context.Context, task interface{}) (json.RawMessage, error) {
	return r.caller.Call(ctx, MethodNewTask, task)
}

func (r remote) UpdateTask(ctx context.Context, id string, update interface{}) (json.RawMessage, error) {
	return r.caller.Call(ctx, MethodUpdateTask, map[string]interface{}{
		"id":     id,
		"update": update,
	})
}

func (r remote) GetBlob(ctx context.Context, id string) (json.RawMessage, error) {
	return r.caller.Call(ctx, MethodGetBlob, map[string]string{"id": id})
}

// GetBlobContent expects the content as a base64 string.
func (r remote) GetBlobContent(ctx context.Context, id string) ([]byte, error) {
	raw, err := r.caller.Call(ctx, MethodGetBlobContent, map[string]string{"id": id})
	if err != nil {
		return nil, err
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		var wrapped struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "malformed blob content")
		}
		encoded = wrapped.Content
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "blob content is not base64")
	}
	return content, nil
}

func (r remote) CreateBlob(ctx context.Context, blob interface{}) (json.RawMessage, error) {
	return r.caller.Call(ctx, MethodCreateBlob, blob)
}
