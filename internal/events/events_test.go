package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/logging"
)

func TestBrokerDeliversByAddress(t *testing.T) {
	b := NewBroker(4, logging.Discard())
	alice := b.Subscribe("0xAAAA")
	bob := b.Subscribe("0xbbbb")
	defer bob.Unsubscribe()

	chainID := int64(8453)
	require.NoError(t, b.PublishBalanceUpdate(context.Background(), BalanceUpdate{
		UserAddress: "0xaaaa", Asset: "usdc", Balance: "10", ChainID: &chainID,
	}))

	msg := <-alice.C
	require.Equal(t, MessageTypeBalanceUpdate, msg.Type)
	require.Equal(t, "0xaaaa", msg.Data.UserAddress)
	require.Equal(t, "10", msg.Data.Balance)
	require.Len(t, bob.C, 0)

	require.Equal(t, 1, b.SubscriberCount("0xAAAA"))
	alice.Unsubscribe()
	alice.Unsubscribe()
	require.Equal(t, 0, b.SubscriberCount("0xaaaa"))
	_, open := <-alice.C
	require.False(t, open)
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(1, logging.Discard())
	sub := b.Subscribe("0xaaaa")
	defer sub.Unsubscribe()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.PublishBalanceUpdate(context.Background(), BalanceUpdate{UserAddress: "0xaaaa", Asset: "usdc", Balance: "1"}))
	}
	require.Len(t, sub.C, 1)
}

func TestMessageWireShape(t *testing.T) {
	data, err := json.Marshal(NewBalanceMessage(BalanceUpdate{UserAddress: "0xaaaa", Asset: "usdc", Balance: "5"}))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "bu", decoded["type"])
	require.Contains(t, decoded, "timestamp")
	inner := decoded["data"].(map[string]any)
	require.Equal(t, "5", inner["balance"])
	require.NotContains(t, inner, "chainId")
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishBalanceUpdate(context.Context, BalanceUpdate) error {
	f.calls++
	return errors.New("sink down")
}

func TestMultiPublisherAttemptsEverySink(t *testing.T) {
	b := NewBroker(1, logging.Discard())
	sub := b.Subscribe("0xaaaa")
	defer sub.Unsubscribe()
	failing := &failingPublisher{}

	err := MultiPublisher{failing, nil, b, Discard{}}.PublishBalanceUpdate(context.Background(), BalanceUpdate{UserAddress: "0xaaaa"})
	require.ErrorContains(t, err, "sink down")
	require.Equal(t, 1, failing.calls)
	require.Len(t, sub.C, 1)
}
