// Package wireformat implements the guest<->host RPC payload codec
// described in spec.md §4.B: a request is {args, kwargs}, a response is
// either {result} or {exception}. Ported from the JSON shapes in
// _examples/original_source/python/pybox/box.py's PyBoxJSONRPCHandler,
// using json-iterator (the corpus's own fast-path JSON library, see
// ghjramos-aistore and ClusterCockpit-cc-backend go.mod) instead of
// encoding/json.
package wireformat

import (
	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a guest-to-host call payload.
type Request struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Response is a host-to-guest reply payload. Exactly one of Result or
// Exception is populated (distinguished by ExceptionSet, since a nil
// Result is itself a valid successful value).
type Response struct {
	Result       any    `json:"result,omitempty"`
	Exception    string `json:"exception,omitempty"`
	ExceptionSet bool   `json:"-"`
}

// EncodeRequest serializes a request to the wire format.
func EncodeRequest(args []any, kwargs map[string]any) ([]byte, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	b, err := json.Marshal(Request{Args: args, Kwargs: kwargs})
	return b, errors.Wrap(err, "wireformat: encode request")
}

// DecodeRequest parses a request payload.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, errors.Wrap(err, "wireformat: decode request")
	}
	return req, nil
}

// EncodeResult serializes a successful {result: value} response.
func EncodeResult(result any) ([]byte, error) {
	b, err := json.Marshal(struct {
		Result any `json:"result"`
	}{Result: result})
	return b, errors.Wrap(err, "wireformat: encode result")
}

// EncodeException serializes a {exception: "<Kind>: <message>"} response,
// matching PyBoxJSONRPCHandler._handler_impl's error_response shape.
func EncodeException(kind, message string) ([]byte, error) {
	b, err := json.Marshal(struct {
		Exception string `json:"exception"`
	}{Exception: kind + ": " + message})
	return b, errors.Wrap(err, "wireformat: encode exception")
}

// DecodeResponse parses a response payload, distinguishing a result from
// an exception by which field is present.
func DecodeResponse(data []byte) (Response, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Response{}, errors.Wrap(err, "wireformat: decode response")
	}
	if exc, ok := raw["exception"]; ok {
		s, ok := exc.(string)
		if !ok {
			return Response{}, errors.New("wireformat: exception field is not a string")
		}
		return Response{Exception: s, ExceptionSet: true}, nil
	}
	return Response{Result: raw["result"]}, nil
}

// RequestDigest returns a content hash of a raw request payload, used by
// the facade's small exec-result cache to avoid re-evaluating an identical
// request against an unchanged context (xxhash, as ClusterCockpit-cc-backend
// and ghjramos-aistore both pull in for hot-path content hashing).
func RequestDigest(data []byte) uint64 {
	return xxhash.Sum64(data)
}
