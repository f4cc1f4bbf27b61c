// Package id generates identifiers for daemon entities. Sessions use
// UUIDv4 (the id is exposed to the agent transport, which expects UUID
// shape); everything else uses short nanoids.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Session returns a new UUIDv4 session identifier.
func Session() string {
	return uuid.NewString()
}

// Generate returns a 21-character alphanumeric nanoid for messages,
// checkpoints, rooms, pairs and memories.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
