package memdht

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/dht"
)

func TestPutThenGetRoundTrip(t *testing.T) {
	net := NewNetwork()
	client := net.Client()

	putCh, err := client.Put(context.Background(), []byte("/k"), []byte("v1"))
	require.NoError(t, err)
	sawResponse, _, _ := dht.Drain(putCh)
	assert.True(t, sawResponse)

	getCh, err := client.Get(context.Background(), []byte("/k"))
	require.NoError(t, err)
	_, values, _ := dht.Drain(getCh)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("v1"), values[0])
}

func TestGetMissingKeyYieldsQueryError(t *testing.T) {
	net := NewNetwork()
	client := net.Client()

	getCh, err := client.Get(context.Background(), []byte("/missing"))
	require.NoError(t, err)
	sawResponse, values, errs := dht.Drain(getCh)
	assert.False(t, sawResponse)
	assert.Empty(t, values)
	assert.NotEmpty(t, errs)
}

func TestPutEmptyValueTombstonesKey(t *testing.T) {
	net := NewNetwork()
	client := net.Client()

	ch, err := client.Put(context.Background(), []byte("/k"), []byte("v1"))
	require.NoError(t, err)
	dht.Drain(ch)

	ch, err = client.Put(context.Background(), []byte("/k"), nil)
	require.NoError(t, err)
	dht.Drain(ch)

	getCh, err := client.Get(context.Background(), []byte("/k"))
	require.NoError(t, err)
	_, values, _ := dht.Drain(getCh)
	assert.Empty(t, values)
}

func TestValidatorRejectsInvalidPut(t *testing.T) {
	net := NewNetwork()
	client := net.Client()
	client.RegisterValidator("/ns/", dht.ValidatorFunc(func(key, value []byte) error {
		return errors.New("always rejects")
	}))

	ch, err := client.Put(context.Background(), []byte("/ns/k"), []byte("v"))
	require.NoError(t, err)
	sawResponse, _, errs := dht.Drain(ch)
	assert.False(t, sawResponse)
	assert.NotEmpty(t, errs)
}

func TestSelectorPicksAmongMultipleValues(t *testing.T) {
	net := NewNetwork()
	client := net.Client()
	client.RegisterSelector("/ns/", dht.SelectorFunc(func(key []byte, values [][]byte) (int, error) {
		return len(values) - 1, nil // always pick the last
	}))

	ch1, _ := client.Put(context.Background(), []byte("/ns/k"), []byte("v1"))
	dht.Drain(ch1)
	ch2, _ := client.Put(context.Background(), []byte("/ns/k"), []byte("v2"))
	dht.Drain(ch2)

	getCh, err := client.Get(context.Background(), []byte("/ns/k"))
	require.NoError(t, err)
	_, values, _ := dht.Drain(getCh)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("v2"), values[0])
}
