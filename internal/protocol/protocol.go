package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

var knownTypes = map[string]struct{}{
	TypeAuth:               {},
	TypeAuthResult:         {},
	TypePing:               {},
	TypePong:               {},
	TypeChatRequest:        {},
	TypeCompletionRequest:  {},
	TypeEmbeddingsRequest:  {},
	TypeModelsRequest:      {},
	TypeCancelRequest:      {},
	TypeChatResponse:       {},
	TypeCompletionResponse: {},
	TypeEmbeddingsResponse: {},
	TypeModelsResponse:     {},
	TypeStreamChunk:        {},
	TypeStreamEnd:          {},
	TypeError:              {},
	TypeErrorResponse:      {},
}

// Normalize lowercases and trims a wire tag and reports whether it is a
// known message type.
func Normalize(tag string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(tag))
	_, ok := knownTypes[t]
	return t, ok
}

// UnknownTypeError builds the error frame sent back for an unrecognized
// or missing type tag.
func UnknownTypeError(tag string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: fmt.Sprintf("Unknown message type: %s", tag)}
}

// Peek decodes just the envelope fields of a frame. The type tag is
// returned normalized; ok is false when the tag is missing or unknown.
func Peek(data []byte) (env Envelope, ok bool, err error) {
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false, err
	}
	if env.Type == "" {
		return env, false, nil
	}
	env.Type, ok = Normalize(env.Type)
	return env, ok, nil
}

// Marshal encodes a message as a single JSON text frame.
func Marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Kind identifies the request family an id belongs to.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCompletion Kind = "completion"
	KindEmbeddings Kind = "embeddings"
	KindModels     Kind = "models"
)

// RequestType returns the edge-to-worker tag for a kind.
func (k Kind) RequestType() string {
	switch k {
	case KindChat:
		return TypeChatRequest
	case KindCompletion:
		return TypeCompletionRequest
	case KindEmbeddings:
		return TypeEmbeddingsRequest
	case KindModels:
		return TypeModelsRequest
	}
	return ""
}

// ResponseType returns the worker-to-edge tag for a kind.
func (k Kind) ResponseType() string {
	switch k {
	case KindChat:
		return TypeChatResponse
	case KindCompletion:
		return TypeCompletionResponse
	case KindEmbeddings:
		return TypeEmbeddingsResponse
	case KindModels:
		return TypeModelsResponse
	}
	return ""
}

// KindForRequestType maps a normalized request tag to its kind.
func KindForRequestType(tag string) (Kind, bool) {
	switch tag {
	case TypeChatRequest:
		return KindChat, true
	case TypeCompletionRequest:
		return KindCompletion, true
	case TypeEmbeddingsRequest:
		return KindEmbeddings, true
	case TypeModelsRequest:
		return KindModels, true
	}
	return "", false
}

// IsResponseType reports whether tag is one of the unary response tags.
func IsResponseType(tag string) bool {
	switch tag {
	case TypeChatResponse, TypeCompletionResponse, TypeEmbeddingsResponse, TypeModelsResponse:
		return true
	}
	return false
}
