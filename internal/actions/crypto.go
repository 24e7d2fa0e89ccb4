package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/automata/internal/stepschema"
)

// CryptoActions returns the hashing and identifier actions.
func CryptoActions() []Action {
	return []Action{
		&cryptoHashAction{},
		&cryptoHMACAction{},
		&cryptoUUIDAction{},
	}
}

const hashAlgorithmEnum = `{"type": "string", "enum": ["sha256","sha512","sha384","sha1","md5"]}`

func hashFunc(algorithm string) (func() hash.Hash, bool) {
	switch algorithm {
	case "sha256":
		return sha256.New, true
	case "sha512":
		return sha512.New, true
	case "sha384":
		return sha512.New384, true
	case "md5":
		return md5.New, true
	case "sha1":
		return sha1.New, true
	default:
		return nil, false
	}
}

func digestShape(field string) *stepschema.Shape {
	return stepschema.Object(map[string]*stepschema.Shape{
		field:       stepschema.String(),
		"algorithm": stepschema.String(),
	})
}

// --- crypto.hash ---

type cryptoHashAction struct{}

func (a *cryptoHashAction) Name() string { return "crypto.hash" }

func (a *cryptoHashAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Hex digest of a string. Useful for dedupe keys.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"data": {"type": "string"}, "algorithm": ` + hashAlgorithmEnum + `},
  "required": ["data"]
}`),
		Output: digestShape("hash"),
	}
}

func (a *cryptoHashAction) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return validationErrorf(a.Name(), "requires 'data' string parameter")
	}
	if _, ok := hashFunc(stringParam(params, "algorithm", "sha256")); !ok {
		return validationErrorf(a.Name(), "unsupported hash algorithm %q", params["algorithm"])
	}
	return nil
}

func (a *cryptoHashAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, _ := hashFunc(algorithm)

	h := newHash()
	h.Write([]byte(stringParam(input.Params, "data", "")))
	return marshalOutput(a.Name(), map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	})
}

// --- crypto.hmac ---

type cryptoHMACAction struct{}

func (a *cryptoHMACAction) Name() string { return "crypto.hmac" }

func (a *cryptoHMACAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "HMAC of a string, e.g. to sign outbound webhook payloads.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {"data": {"type": "string"}, "key": {"type": "string"}, "algorithm": ` + hashAlgorithmEnum + `},
  "required": ["data", "key"]
}`),
		Output: digestShape("hmac"),
	}
}

func (a *cryptoHMACAction) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return validationErrorf(a.Name(), "requires 'data' string parameter")
	}
	if _, ok := params["key"].(string); !ok {
		return validationErrorf(a.Name(), "requires 'key' string parameter")
	}
	if _, ok := hashFunc(stringParam(params, "algorithm", "sha256")); !ok {
		return validationErrorf(a.Name(), "unsupported hash algorithm %q", params["algorithm"])
	}
	return nil
}

func (a *cryptoHMACAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, _ := hashFunc(algorithm)

	mac := hmac.New(newHash, []byte(stringParam(input.Params, "key", "")))
	mac.Write([]byte(stringParam(input.Params, "data", "")))
	return marshalOutput(a.Name(), map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	})
}

// --- crypto.uuid ---

type cryptoUUIDAction struct{}

func (a *cryptoUUIDAction) Name() string { return "crypto.uuid" }

func (a *cryptoUUIDAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Generate a v4 UUID",
		Output:      stepschema.Object(map[string]*stepschema.Shape{"uuid": stepschema.String()}),
	}
}

func (a *cryptoUUIDAction) Validate(_ map[string]any) error { return nil }

func (a *cryptoUUIDAction) Execute(_ context.Context, _ ActionInput) (*ActionOutput, error) {
	return marshalOutput(a.Name(), map[string]any{"uuid": uuid.New().String()})
}
