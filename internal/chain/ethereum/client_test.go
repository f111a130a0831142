package ethereum

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline-hq/clearline/internal/settlement"
)

func TestClassifySubmit(t *testing.T) {
	cases := []struct {
		msg       string
		transient bool
		fault     settlement.FaultCode
	}{
		{"insufficient funds for gas * price + value", false, settlement.FaultInsufficientFunds},
		{"execution reverted: custom error", false, settlement.FaultNone},
		{"invalid sender", false, settlement.FaultNone},
		{"nonce too low", true, settlement.FaultNone},
		{"replacement transaction underpriced", true, settlement.FaultNone},
		{"already known", true, settlement.FaultNone},
		{"connection reset by peer", true, settlement.FaultNone},
		{"some brand new node error", true, settlement.FaultNone},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			err := classifySubmit(errors.New(tc.msg))
			assert.Equal(t, tc.transient, settlement.IsTransient(err))
			assert.Equal(t, tc.fault, settlement.FaultOf(err))
		})
	}
}

func TestSubmitRejectsInvalidAddress(t *testing.T) {
	c := &Client{}
	_, err := c.Submit(context.Background(), settlement.SubmitRequest{
		TxID:            "tx-1",
		CounterpartyRef: "not-an-address",
		Amount:          decimal.NewFromInt(10),
	})
	require.Error(t, err)
	assert.False(t, settlement.IsTransient(err), "a bad address never fixes itself")
}

func TestSubmitRejectsNonPositiveValue(t *testing.T) {
	c := &Client{}
	_, err := c.Submit(context.Background(), settlement.SubmitRequest{
		TxID:            "tx-2",
		CounterpartyRef: "0x000000000000000000000000000000000000dEaD",
		Amount:          decimal.Zero,
	})
	require.Error(t, err)
	assert.False(t, settlement.IsTransient(err))
}
