package membus_test

import (
	"context"
	"testing"

	"github.com/sre-norns/skuld/pkg/broker/membus"
	"github.com/stretchr/testify/require"
)

func TestBroker_PrefixDelivery(t *testing.T) {
	ctx := context.Background()
	b := membus.New()

	client, err := b.Connect(ctx)
	require.NoError(t, err)

	var got []string
	require.NoError(t, client.Subscribe(ctx, "account/a/ad-hoc-check-results/s1/", func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))

	require.NoError(t, b.Publish(ctx, "account/a/ad-hoc-check-results/s1/r1/run-start", []byte("1")))
	require.NoError(t, b.Publish(ctx, "account/a/ad-hoc-check-results/s2/r1/run-start", []byte("2")))
	require.NoError(t, b.Publish(ctx, "account/a/ad-hoc-check-results/s1/r1/run-end", []byte("3")))

	require.Equal(t, []string{
		"account/a/ad-hoc-check-results/s1/r1/run-start=1",
		"account/a/ad-hoc-check-results/s1/r1/run-end=3",
	}, got)

	require.NoError(t, client.Close())
	require.Equal(t, 0, b.Subscriptions())

	require.NoError(t, b.Publish(ctx, "account/a/ad-hoc-check-results/s1/r1/error", []byte("4")))
	require.Len(t, got, 2)

	require.ErrorIs(t, client.Subscribe(ctx, "x", func(string, []byte) {}), membus.ErrClosed)
}
