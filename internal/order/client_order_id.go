package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxClientOrderIDLength is the maximum length allowed by Binance
const MaxClientOrderIDLength = 36

// OrderKind is the suffix identifying an order's role in a trade.
type OrderKind string

const (
	KindEntry      OrderKind = "E"
	KindStopLoss   OrderKind = "SL"
	KindTakeProfit OrderKind = "TP"
	KindTrail      OrderKind = "TS"
	KindExit       OrderKind = "X"
)

var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// maxPrefixLength leaves room for "-DDMMM-8HEX-KK" within MaxClientOrderIDLength.
const maxPrefixLength = MaxClientOrderIDLength - 18

// NewBaseID returns a trade base ID: [PREFIX]-[DDMMM]-[8HEX] (e.g. "FA-15JAN-a3f7c2e9").
// Longer prefixes are cut so RelatedID never fails for a base ID made here.
func NewBaseID(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "FA"
	}
	if len(prefix) > maxPrefixLength {
		prefix = prefix[:maxPrefixLength]
	}
	unique := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), strings.ToUpper(now.UTC().Format("02Jan")), unique)
}

// NewClientOrderID creates a fresh ID of the given kind.
func NewClientOrderID(prefix string, kind OrderKind) string {
	id, err := RelatedID(NewBaseID(prefix, time.Now()), kind)
	if err != nil {
		// The venue generates its own ID for "".
		return ""
	}
	return id
}

// RelatedID derives the ID of an order in the same trade chain.
func RelatedID(baseID string, kind OrderKind) (string, error) {
	if baseID == "" {
		return "", errors.New("baseID cannot be empty")
	}
	id := fmt.Sprintf("%s-%s", baseID, kind)
	if len(id) > MaxClientOrderIDLength {
		return "", fmt.Errorf("%w: generated ID '%s' is %d characters", ErrClientOrderIDTooLong, id, len(id))
	}
	return id, nil
}

// ParseClientOrderID splits an agent-generated ID into its base and kind.
// For "FA-15JAN-a3f7c2e9-TP" it returns ("FA-15JAN-a3f7c2e9", KindTakeProfit).
func ParseClientOrderID(id string) (string, OrderKind, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("%w: '%s'", ErrInvalidClientOrderID, id)
	}
	kind := OrderKind(parts[3])
	switch kind {
	case KindEntry, KindStopLoss, KindTakeProfit, KindTrail, KindExit:
	default:
		return "", "", fmt.Errorf("%w: unknown kind '%s'", ErrInvalidClientOrderID, parts[3])
	}
	return strings.Join(parts[:3], "-"), kind, nil
}
