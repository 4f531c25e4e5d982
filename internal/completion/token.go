package completion

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidToken = errors.New("invalid completion token")

const actionComplete = "complete"

// Token is the callback payload of the "Complete swap" button, encoded as
// complete_<swapId>_<creatorId>.
type Token struct {
	SwapID    int64
	CreatorID int64
}

func (t Token) String() string {
	return actionComplete + "_" + strconv.FormatInt(t.SwapID, 10) + "_" + strconv.FormatInt(t.CreatorID, 10)
}

// IsToken reports whether data looks like a completion payload at all, so
// callers can route other callback data elsewhere.
func IsToken(data string) bool {
	return strings.HasPrefix(data, actionComplete+"_")
}

func ParseToken(data string) (Token, error) {
	parts := strings.Split(data, "_")
	if len(parts) != 3 || parts[0] != actionComplete {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, data)
	}
	swapID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || swapID <= 0 {
		return Token{}, fmt.Errorf("%w: swap id %q", ErrInvalidToken, parts[1])
	}
	creatorID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || creatorID <= 0 {
		return Token{}, fmt.Errorf("%w: creator id %q", ErrInvalidToken, parts[2])
	}
	return Token{SwapID: swapID, CreatorID: creatorID}, nil
}
