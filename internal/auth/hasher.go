package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams はArgon2idのコストパラメータ。
type Argon2idParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2idParams はOWASP推奨値（m=64MiB, t=1, p=4）。
var DefaultArgon2idParams = Argon2idParams{
	Memory:      64 * 1024,
	Iterations:  1,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

// errInvalidHash はPHC文字列として解釈できないダイジェスト。呼び出し側には返さない。
var errInvalidHash = errors.New("invalid argon2id hash")

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	// Hash はランダムなソルトでダイジェストを生成する。
	Hash(password string) (string, error)
	// Verify はパスワードがダイジェストに一致するかを返す。
	// 解析できないダイジェストの場合もfalseを返す。
	Verify(password, encoded string) bool
}

// Argon2idHasher はArgon2idとPHC文字列形式を使うPasswordHasher。
type Argon2idHasher struct {
	params Argon2idParams
}

// NewArgon2idHasher はArgon2idHasherを生成する。
func NewArgon2idHasher(params Argon2idParams) *Argon2idHasher {
	return &Argon2idHasher{params: params}
}

// Hash は $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key> 形式のダイジェストを返す。
func (h *Argon2idHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はダイジェストに記録されたパラメータで再計算し、定数時間で比較する。
func (h *Argon2idHasher) Verify(password, encoded string) bool {
	params, salt, expected, err := decodeArgon2idHash(encoded)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func decodeArgon2idHash(encoded string) (Argon2idParams, []byte, []byte, error) {
	var params Argon2idParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, errInvalidHash
	}

	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &threads); err != nil {
		return params, nil, nil, errInvalidHash
	}
	if threads == 0 || threads > 255 || params.Iterations == 0 {
		return params, nil, nil, errInvalidHash
	}
	params.Parallelism = uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return params, nil, nil, errInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > 1024 {
		return params, nil, nil, errInvalidHash
	}

	return params, salt, key, nil
}

var _ PasswordHasher = (*Argon2idHasher)(nil)
