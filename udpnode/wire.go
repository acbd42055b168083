package udpnode

import (
	"encoding/json"
	"fmt"

	"github.com/weiihann/kadbench/dht"
)

type msgType string

const (
	msgPing        msgType = "PING"
	msgPong        msgType = "PONG"
	msgFindNode    msgType = "FIND_NODE"
	msgFindNodeOK  msgType = "FIND_NODE_OK"
	msgStore       msgType = "STORE"
	msgStoreOK     msgType = "STORE_OK"
	msgFindValue   msgType = "FIND_VALUE"
	msgFindValueOK msgType = "FIND_VALUE_OK"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

type wireSignature struct {
	SignerID           string `json:"signer_id"`
	PublicKey          []byte `json:"public_key"`
	PublicKeySignature []byte `json:"public_key_signature"`
	RequestSignature   []byte `json:"request_signature"`
}

func fromSignature(s dht.Signature) *wireSignature {
	return &wireSignature{
		SignerID:           s.SignerID.String(),
		PublicKey:          s.PublicKey,
		PublicKeySignature: s.PublicKeySignature,
		RequestSignature:   s.RequestSignature,
	}
}

func (w *wireSignature) toSignature() (dht.Signature, error) {
	id, err := dht.ParseKey(w.SignerID)
	if err != nil {
		return dht.Signature{}, fmt.Errorf("signer id: %w", err)
	}

	return dht.Signature{
		SignerID:           id,
		PublicKey:          w.PublicKey,
		PublicKeySignature: w.PublicKeySignature,
		RequestSignature:   w.RequestSignature,
	}, nil
}

// envelope is the single message shape for requests and replies. Replies
// echo the request's MsgID.
type envelope struct {
	Type           msgType        `json:"type"`
	MsgID          string         `json:"msg_id"`
	From           dht.Contact    `json:"from"`
	TargetID       string         `json:"target_id,omitempty"`
	Key            string         `json:"key,omitempty"`
	Value          []byte         `json:"value,omitempty"`
	ValueSignature []byte         `json:"value_signature,omitempty"`
	Signature      *wireSignature `json:"signature,omitempty"`
	TTLSeconds     int64          `json:"ttl_seconds,omitempty"`
	Contacts       []dht.Contact  `json:"contacts,omitempty"`
	Result         bool           `json:"result"`
}

func (e envelope) marshal() ([]byte, error)  { return json.Marshal(e) }
func (e *envelope) unmarshal(b []byte) error { return json.Unmarshal(b, e) }

func (e envelope) isReply() bool {
	switch e.Type {
	case msgPong, msgFindNodeOK, msgStoreOK, msgFindValueOK:
		return true
	default:
		return false
	}
}
