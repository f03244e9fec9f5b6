package referral

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

const (
	prefixLen      = 3
	suffixLen      = 5
	maxCodeRetries = 50
)

var ErrCodeSpaceExhausted = errors.New("referral_code_space_exhausted")

// GenerateCode derives a deterministic referral code from a customer's name
// and identifier: a 3-letter name prefix plus a base36 digest of the ID.
func GenerateCode(name, customerID string) string {
	return basePrefix(name) + "-" + idSuffix(customerID)
}

// CodeTaken reports whether a candidate code is already assigned.
type CodeTaken func(ctx context.Context, code string) (bool, error)

// AssignCode returns the first free code for the customer. The deterministic
// base code is not collision-free at scale, so collisions get a numeric
// disambiguator appended until a free code is found.
func AssignCode(ctx context.Context, name, customerID string, taken CodeTaken) (string, error) {
	base := GenerateCode(name, customerID)
	candidate := base
	for attempt := 2; attempt <= maxCodeRetries+1; attempt++ {
		inUse, err := taken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
		if !inUse {
			return candidate, nil
		}
		candidate = base + "-" + strconv.Itoa(attempt)
	}
	return "", ErrCodeSpaceExhausted
}

func basePrefix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) && r < 128 {
			b.WriteRune(r)
			if b.Len() == prefixLen {
				break
			}
		}
	}
	for b.Len() < prefixLen {
		b.WriteByte('X')
	}
	return b.String()
}

func idSuffix(customerID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerID))
	s := strings.ToUpper(strconv.FormatUint(uint64(h.Sum32()), 36))
	for len(s) < suffixLen {
		s = "0" + s
	}
	if len(s) > suffixLen {
		s = s[len(s)-suffixLen:]
	}
	return s
}
