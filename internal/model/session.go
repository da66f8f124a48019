package model

import (
	"encoding/json"
	"time"
)

type (
	// Session is one redeemable editor payload, keyed by its blob key.
	Session struct {
		ID        string          `json:"id"`
		Owner     string          `json:"owner"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
		Completed bool            `json:"completed"`
	}

	// EditorPayload is the bootstrap/checkpoint document uploaded to the blob store.
	EditorPayload struct {
		Metadata PayloadMetadata `json:"metadata"`
		Data     json.RawMessage `json:"data"`
		Socket   *SocketInfo     `json:"socket,omitempty"`
	}

	PayloadMetadata struct {
		Owner        string `json:"owner"`
		CreatedAt    int64  `json:"createdAt"`
		CommandAlias string `json:"commandAlias,omitempty"`
		Checkpoint   bool   `json:"checkpoint,omitempty"`
	}

	SocketInfo struct {
		ProtocolVersion int    `json:"protocolVersion"`
		ChannelID       string `json:"channelId"`
		PublicKey       string `json:"publicKey"`
	}
)
