// Package ids generates the externally visible identifiers: KSUIDs for
// account public ids and session token ids, snowflake ids for charge
// receipts (sortable, short enough for gateway receipt fields).
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewPublicID returns a new account public id.
func NewPublicID() string {
	return ksuid.New().String()
}

// NewTokenID returns a new session token id (the "sid" claim).
func NewTokenID() string {
	return ksuid.New().String()
}

// NewAPIKey returns a raw application API key and its display prefix.
func NewAPIKey() (raw, prefix string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = "sv_" + ksuid.New().String() + hex.EncodeToString(b)
	return raw, raw[:12], nil
}

// ReceiptGenerator issues charge receipt references.
type ReceiptGenerator struct {
	node *snowflake.Node
}

func NewReceiptGenerator(nodeID int64) (*ReceiptGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &ReceiptGenerator{node: node}, nil
}

// Next returns a new receipt reference, e.g. "rcpt_1794028011231559680".
func (g *ReceiptGenerator) Next() string {
	return "rcpt_" + g.node.Generate().String()
}
