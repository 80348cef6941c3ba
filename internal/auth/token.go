package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenBytes はセッション・確認トークンのエントロピー（256bit）。
const tokenBytes = 32

// IssueToken は生トークンとそのダイジェストを返す。
// 生トークンはbase64url（パディング無し、43文字）で、クライアントにのみ渡す。
func IssueToken() (raw, digest string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// HashToken は生トークンのSHA-256を16進文字列で返す。永続化・検索にはこの値のみを使う。
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
