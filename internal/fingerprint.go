package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalTurn is the digest scope of one turn: role and flattened
// content only, keys in alphabetical order so the serialized form is
// independent of inbound field ordering and whitespace.
type canonicalTurn struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// Fingerprint computes the SHA-256 hex digest identifying a
// conversational lineage. Two transports sending the same turns must
// produce the same fingerprint.
func Fingerprint(messages []Message) string {
	turns := make([]canonicalTurn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, canonicalTurn{
			Content: msg.Content.PlainText(),
			Role:    msg.Role,
		})
	}

	// encoding/json emits struct fields in declaration order with no
	// incidental whitespace, so this is a canonical encoding.
	data, err := json.Marshal(turns)
	if err != nil {
		// Unreachable for string-only fields; fall back to empty scope.
		data = []byte("[]")
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
