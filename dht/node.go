package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Contact identifies a reachable node.
type Contact struct {
	ID      Key
	Address string
}

type wireContact struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// MarshalJSON encodes the ID as hex.
func (c Contact) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireContact{ID: c.ID.String(), Address: c.Address})
}

// UnmarshalJSON decodes a contact with a hex ID.
func (c *Contact) UnmarshalJSON(b []byte) error {
	var w wireContact
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	id, err := ParseKey(w.ID)
	if err != nil {
		return fmt.Errorf("contact id: %w", err)
	}

	c.ID = id
	c.Address = w.Address

	return nil
}

// EncodeContact is the payload format of a successful contact lookup.
func EncodeContact(c Contact) []byte {
	b, _ := json.Marshal(c)

	return b
}

// DecodeContact parses a contact lookup payload.
func DecodeContact(payload []byte) (Contact, error) {
	var c Contact
	if err := json.Unmarshal(payload, &c); err != nil {
		return Contact{}, fmt.Errorf("decode contact: %w", err)
	}

	return c, nil
}

// SignedValue is a value together with the owner's signature over it.
type SignedValue struct {
	Value          []byte
	ValueSignature []byte
}

// Signature authenticates a store request.
type Signature struct {
	SignerID           Key
	PublicKey          []byte
	PublicKeySignature []byte
	RequestSignature   []byte
}

// Response is what a node hands to an operation callback. Deciding whether
// an operation succeeded is the node's business; the driver only counts it.
type Response struct {
	Succeeded bool
	Payload   []byte
}

// Callback receives the outcome of an asynchronous node operation.
type Callback func(Response)

// Node is the operation set the benchmark drives.
//
// Every call must invoke its callback exactly once, from any goroutine,
// possibly before the call itself returns. A node that gives up on a request
// (its own timeout, ctx cancellation, shutdown) reports Succeeded=false.
type Node interface {
	ID() Key
	LookupContact(ctx context.Context, target Key, useCache bool, cb Callback)
	Ping(ctx context.Context, contact Contact, cb Callback)
	StoreValue(ctx context.Context, key Key, value []byte, ttl time.Duration, cb Callback)
	StoreSignedValue(ctx context.Context, key Key, value SignedValue, sig Signature, ttl time.Duration, cb Callback)
	FindValue(ctx context.Context, key Key, useCache bool, cb Callback)
}

// Operation names shared by nodes, metrics, and reports.
const (
	OpLookupContact = "lookup_contact"
	OpPing          = "ping"
	OpStore         = "store"
	OpStoreSigned   = "store_signed"
	OpFindValue     = "find_value"
)
