package subscription

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	TokenLength = 45
	tokenChars  = "abcdefghijklmnopqrstuvwxyz0123456789-"
)

func randomInt(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

func randomString(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		idx, err := randomInt(len(tokenChars))
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenChars[idx])
	}
	return b.String(), nil
}

// generateToken hashes a random prefix of the address together with the list
// name (case-insensitively) and pads the decimal hash on the left with random
// characters up to TokenLength. The format is not a compatibility contract.
func generateToken(address, listName string) (string, error) {
	cut, err := randomInt(len(address))
	if err != nil {
		return "", err
	}
	sum := xxhash.Sum64String(strings.ToLower(address[:cut] + listName))
	hash := strconv.FormatUint(sum, 10)

	prefix, err := randomString(TokenLength - len(hash))
	if err != nil {
		return "", err
	}
	return prefix + hash, nil
}
