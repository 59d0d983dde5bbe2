package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidMutation is returned for unknown kinds and malformed payloads.
var ErrInvalidMutation = errors.New("invalid mutation")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator exposes the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// DecodePayload unmarshals raw into the payload type of kind and validates it.
func DecodePayload(kind MutationKind, raw []byte) (any, error) {
	v, ok := PayloadFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, kind)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidMutation, kind, err)
	}
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidMutation, kind, err)
	}
	return v, nil
}

// EncodePayload validates p and returns its JSON encoding.
func EncodePayload(kind MutationKind, p any) (json.RawMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, kind)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s payload: %v", ErrInvalidMutation, kind, err)
	}
	if _, err := DecodePayload(kind, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
