package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("1000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000000", a.String())

	for _, bad := range []string{"", "-5", "1.5", "0x10", "abc"} {
		_, err := ParseAmount(bad)
		require.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestAmountArithmetic(t *testing.T) {
	a := NewAmount(2000)
	b := NewAmount(300)

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "2300", sum.String())

	diff, ok := a.Sub(b)
	require.True(t, ok)
	require.Equal(t, "1700", diff.String())

	_, ok = b.Sub(a)
	require.False(t, ok)
	require.True(t, b.SubFloor(a).IsZero())

	reserve, err := NewAmount(8000).MulDiv(200, 1000)
	require.NoError(t, err)
	require.Equal(t, "1600", reserve.String())

	require.True(t, b.Lt(a))
	require.True(t, a.Gte(a))
	require.Equal(t, "6", a.Div(b).String())
}

func TestAmountJSONAndScan(t *testing.T) {
	var payload struct {
		Amount Amount `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"42"}`), &payload))
	require.Equal(t, "42", payload.Amount.String())

	require.NoError(t, json.Unmarshal([]byte(`{"amount":7}`), &payload))
	require.Equal(t, "7", payload.Amount.String())

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":"7"}`, string(out))

	var scanned Amount
	require.NoError(t, scanned.Scan([]byte("123")))
	require.Equal(t, "123", scanned.String())
	require.Error(t, scanned.Scan(1.5))
}

func TestSessionKeyScopes(t *testing.T) {
	k := SessionKey{Scope: "nitrolite_state_update, lifi_intent_fulfillment"}
	require.Equal(t, []string{"nitrolite_state_update", "lifi_intent_fulfillment"}, k.Scopes())
}
