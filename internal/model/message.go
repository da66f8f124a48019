package model

import "encoding/json"

// Inner message type discriminators.
const (
	TypeHello          = "hello"
	TypeHelloReply     = "hello_reply"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeConnected      = "connected"
	TypeChangeRequest  = "change_request"
	TypeChangeResponse = "change_response"
)

type HelloState string

const (
	HelloInvalid   HelloState = "invalid"
	HelloUntrusted HelloState = "untrusted"
	HelloRejected  HelloState = "rejected"
	HelloAccepted  HelloState = "accepted"
	HelloTrusted   HelloState = "trusted"
)

type ChangeState string

const (
	ChangeAccepted ChangeState = "accepted"
	ChangeApplied  ChangeState = "applied"
	ChangeError    ChangeState = "error"
)

type (
	// Frame is what travels over the relay channel. Msg holds the JSON encoded
	// inner message and Signature is the base64 signature over Msg's UTF-8 bytes.
	Frame struct {
		Msg       string `json:"msg"`
		Signature string `json:"signature,omitempty"`
	}

	// Envelope is decoded first to route an inner message by type.
	Envelope struct {
		Type string `json:"type"`
	}

	Hello struct {
		Type      string `json:"type"`
		Nonce     string `json:"nonce"`
		PublicKey string `json:"publicKey"`
		SessionID string `json:"sessionId,omitempty"`
		Browser   string `json:"browser,omitempty"`
	}

	HelloReply struct {
		Type        string     `json:"type"`
		Nonce       string     `json:"nonce"`
		State       HelloState `json:"state"`
		Reconnected bool       `json:"reconnected,omitempty"`
	}

	Ping struct {
		Type string `json:"type"`
	}

	Pong struct {
		Type string `json:"type"`
		Ok   bool   `json:"ok"`
	}

	Connected struct {
		Type string `json:"type"`
	}

	// ChangeRequest carries the change set either inline (Changes) or as the
	// key of a blob the browser uploaded (Code).
	ChangeRequest struct {
		Type    string          `json:"type"`
		Nonce   string          `json:"nonce,omitempty"`
		Changes json.RawMessage `json:"changes,omitempty"`
		Code    string          `json:"code,omitempty"`
	}

	ChangeResponse struct {
		Type             string      `json:"type"`
		Nonce            string      `json:"nonce,omitempty"`
		State            ChangeState `json:"state"`
		AppliedCount     int         `json:"appliedCount"`
		NewCheckpointKey string      `json:"newCheckpointKey,omitempty"`
		Message          string      `json:"message,omitempty"`
	}
)

func NewHelloReply(nonce string, state HelloState) *HelloReply {
	return &HelloReply{Type: TypeHelloReply, Nonce: nonce, State: state}
}

func NewPong(ok bool) *Pong {
	return &Pong{Type: TypePong, Ok: ok}
}

func NewChangeResponse(nonce string, state ChangeState) *ChangeResponse {
	return &ChangeResponse{Type: TypeChangeResponse, Nonce: nonce, State: state}
}
