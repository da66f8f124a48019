package pairing

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"web_editor/internal/cryptographic/signature"
	"web_editor/internal/model"
)

var (
	ErrMalformedFrame     = errors.New("pairing: malformed frame")
	ErrSignatureMismatch  = errors.New("pairing: signature mismatch")
	ErrUnknownMessageType = errors.New("pairing: unknown message type")
)

// DecodeFrame parses the outer frame and the inner type discriminator.
// The signature is not checked here.
func DecodeFrame(raw string) (*model.Frame, string, error) {
	var f model.Frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Msg == "" {
		return nil, "", fmt.Errorf("%w: empty msg", ErrMalformedFrame)
	}

	var env model.Envelope
	if err := json.Unmarshal([]byte(f.Msg), &env); err != nil {
		return nil, "", fmt.Errorf("%w: inner: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, env.Type, nil
}

// VerifyFrame checks f.Signature over the exact bytes of f.Msg.
func VerifyFrame(pub ed25519.PublicKey, f *model.Frame) error {
	if f.Signature == "" {
		return fmt.Errorf("%w: unsigned", ErrSignatureMismatch)
	}
	sig, err := signature.DecodeSignature(f.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if !signature.ED25519Verify(pub, []byte(f.Msg), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// EncodeFrame serializes msg and signs it with priv. A nil priv yields an
// unsigned frame, which is only meaningful for hello.
func EncodeFrame(priv ed25519.PrivateKey, msg any) (string, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	f := model.Frame{Msg: string(inner)}
	if priv != nil {
		f.Signature = signature.EncodeSignature(signature.ED25519Sign(priv, inner))
	}
	out, err := json.Marshal(&f)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeInner[T any](f *model.Frame) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(f.Msg), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &v, nil
}
