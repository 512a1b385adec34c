package syncwire

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Checkpoint tokens are opaque to clients. The server encodes the global
// change-log sequence behind a versioned prefix so the format can evolve
// without breaking stored tokens.
const checkpointPrefix = "cp1:"

// EncodeCheckpoint wraps a change-log sequence into an opaque token.
func EncodeCheckpoint(seq int64) string {
	raw := checkpointPrefix + strconv.FormatInt(seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCheckpoint unwraps a token back to its sequence. The empty token
// decodes to 0 (nothing seen yet). Only the server may call this.
func DecodeCheckpoint(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("malformed checkpoint: %w", err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, checkpointPrefix) {
		return 0, fmt.Errorf("unknown checkpoint format")
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(s, checkpointPrefix), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed checkpoint sequence")
	}
	return seq, nil
}
