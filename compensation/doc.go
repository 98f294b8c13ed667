// Package compensation reverses the balance effects of transactions that
// must be undone. A successful reversal marks the transaction ROLLED_BACK; a
// reversal whose writes fail marks it ROLLBACK_FAILED, a terminal state that
// is surfaced for manual intervention and never retried automatically.
package compensation
