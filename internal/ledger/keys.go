package ledger

import (
	"fmt"
	"strconv"
)

// Key layout in the durable store. Transactions are sequence-numbered per
// user so a prefix scan yields them in insertion order.
const (
	balancePrefix = "balance/"
	txRootPrefix  = "tx/"
	idemPrefix    = "idem/"
	timerPrefix   = "timer/"
)

func balanceKey(userID string) string {
	return balancePrefix + userID
}

func txPrefix(userID string) string {
	return txRootPrefix + userID + "/"
}

func txKey(userID string, seq int64) string {
	return fmt.Sprintf("%s%012d", txPrefix(userID), seq)
}

func idemKey(key string) string {
	return idemPrefix + key
}

// TimerKey is the timer package's slot for a user's session. Defined here
// so Reset can clear it together with the ledger keys.
func TimerKey(userID string) string {
	return timerPrefix + userID
}

const seqWidth = 12

func seqFromKey(key string) (int64, error) {
	if len(key) < seqWidth {
		return 0, fmt.Errorf("key %q too short", key)
	}

	seq, err := strconv.ParseInt(key[len(key)-seqWidth:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence: %w", err)
	}

	return seq, nil
}
