//go:build unit

package transaction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuralInvariants(t *testing.T) {
	t.Parallel()

	amount := decimal.RequireFromString("10.00")

	tests := []struct {
		name        string
		typ         Type
		source      string
		destination string
		amount      decimal.Decimal
		wantField   string
	}{
		{name: "valid transfer", typ: TypeTransfer, source: "a", destination: "b", amount: amount},
		{name: "valid deposit", typ: TypeDeposit, destination: "b", amount: amount},
		{name: "valid withdrawal", typ: TypeWithdrawal, source: "a", amount: amount},
		{name: "zero amount", typ: TypeTransfer, source: "a", destination: "b", amount: decimal.Zero, wantField: "amount"},
		{name: "negative amount", typ: TypeDeposit, destination: "b", amount: amount.Neg(), wantField: "amount"},
		{name: "transfer missing destination", typ: TypeTransfer, source: "a", amount: amount, wantField: "accounts"},
		{name: "transfer to itself", typ: TypeTransfer, source: "a", destination: "a", amount: amount, wantField: "accounts"},
		{name: "deposit with source", typ: TypeDeposit, source: "a", destination: "b", amount: amount, wantField: "sourceId"},
		{name: "deposit missing destination", typ: TypeDeposit, amount: amount, wantField: "destinationId"},
		{name: "withdrawal with destination", typ: TypeWithdrawal, source: "a", destination: "b", amount: amount, wantField: "destinationId"},
		{name: "withdrawal missing source", typ: TypeWithdrawal, amount: amount, wantField: "sourceId"},
		{name: "unknown type", typ: Type("WIRE"), source: "a", amount: amount, wantField: "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tx, err := New(tt.typ, tt.source, tt.destination, tt.amount, "desc")

			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, StatusPending, tx.Status)
				assert.NotEqual(t, uuid.Nil, tx.ID)
				assert.False(t, tx.CreatedAt.IsZero())

				return
			}

			var domainErr DomainError
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, ErrorInvalidInput, domainErr.Code)
			assert.Equal(t, tt.wantField, domainErr.Field)
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusPending:   {StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack, StatusRollbackFailed},
		StatusCompleted: {StatusRolledBack, StatusRollbackFailed},
	}

	all := []Status{StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack, StatusRollbackFailed}

	for _, from := range all {
		for _, to := range all {
			want := false

			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}

			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack, StatusRollbackFailed} {
		assert.True(t, status.Terminal(), string(status))
	}
}

func TestAccountsAndActor(t *testing.T) {
	t.Parallel()

	amount := decimal.RequireFromString("1.00")

	transfer, err := New(TypeTransfer, "src", "dst", amount, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "dst"}, transfer.Accounts())
	assert.Equal(t, "src", transfer.Actor())

	deposit, err := New(TypeDeposit, "", "dst", amount, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"dst"}, deposit.Accounts())
	assert.Equal(t, "dst", deposit.Actor())

	withdrawal, err := New(TypeWithdrawal, "src", "", amount, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, withdrawal.Accounts())
	assert.Equal(t, "src", withdrawal.Actor())
}

func TestEventRoundTrip(t *testing.T) {
	t.Parallel()

	evt := NewEventWithDetail(uuid.New(), EventFailed, "insufficient funds")
	evt.RetryCount = 2

	payload, err := evt.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, evt.TransactionID, decoded.TransactionID)
	assert.Equal(t, EventFailed, decoded.EventType)
	assert.Equal(t, 2, decoded.RetryCount)
	assert.Equal(t, "insufficient funds", decoded.LastError)
}

func TestUnmarshalEventRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = UnmarshalEvent([]byte(`{"eventType":"TRANSACTION_COMPLETED"}`))
	assert.Error(t, err)

	_, err = UnmarshalEvent([]byte(`{"transactionId":"` + uuid.NewString() + `"}`))
	assert.Error(t, err)
}
