package proposal

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"

	"github.com/terraconstructs/jitaccess/internal/fault"
)

// Obfuscate encodes a token for use in URLs and emails. This is encoding,
// not encryption; the token's own signature is what protects it.
func Obfuscate(token string) string {
	return base58.Encode([]byte(token))
}

// Deobfuscate reverses Obfuscate.
func Deobfuscate(encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("empty proposal token: %w", fault.ErrIllegalArgument)
	}
	decoded := base58.Decode(encoded)
	if len(decoded) == 0 {
		return "", fmt.Errorf("malformed proposal token: %w", fault.ErrIllegalArgument)
	}
	return string(decoded), nil
}
