package iomod_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotxlem/assemblylift/iomod"
)

func TestParseCoordinates(t *testing.T) {
	c, err := iomod.ParseCoordinates("aws.dynamodb.list_tables")
	require.NoError(t, err)
	assert.Equal(t, iomod.Coordinates{Org: "aws", Namespace: "dynamodb", Name: "list_tables"}, c)
	assert.Equal(t, "aws.dynamodb.list_tables", c.String())
}

func TestParseCoordinatesRejectsMalformed(t *testing.T) {
	for _, path := range []string{"", "a", "a.b", "a..c", ".b.c", "a.b."} {
		_, err := iomod.ParseCoordinates(path)
		assert.Error(t, err, path)
	}
}

func TestFirstRegistrationWins(t *testing.T) {
	r := iomod.New()
	coords := iomod.Coordinates{Org: "a", Namespace: "b", Name: "c"}

	r.Register(coords, func(_ context.Context, _ []byte, reply chan<- []byte) { reply <- []byte("first") })
	r.Register(coords, func(_ context.Context, _ []byte, reply chan<- []byte) { reply <- []byte("second") })

	h, ok := r.Lookup(coords)
	require.True(t, ok)

	reply := make(chan []byte, 1)
	h(context.Background(), nil, reply)
	assert.Equal(t, "first", string(<-reply))
}

func TestLookupMissReportsFalse(t *testing.T) {
	r := iomod.New()
	_, ok := r.Lookup(iomod.Coordinates{Org: "x", Namespace: "y", Name: "z"})
	assert.False(t, ok)
}

func TestNewTxDrainsIntoRegistry(t *testing.T) {
	r := iomod.New()
	tx := r.NewTx(4)
	coords := iomod.Coordinates{Org: "a", Namespace: "b", Name: "c"}
	tx <- iomod.Registration{Coordinates: coords, Handler: func(_ context.Context, _ []byte, reply chan<- []byte) {
		reply <- []byte("ok")
	}}

	require.Eventually(t, func() bool {
		_, ok := r.Lookup(coords)
		return ok
	}, time.Second, time.Millisecond)
}

func TestIsolatedRegistriesDoNotShareState(t *testing.T) {
	a := iomod.New()
	b := iomod.New()
	coords := iomod.Coordinates{Org: "a", Namespace: "b", Name: "c"}
	a.Register(coords, func(_ context.Context, _ []byte, reply chan<- []byte) {})

	_, ok := b.Lookup(coords)
	assert.False(t, ok)
}

func TestDefaultRegistryIsASingleton(t *testing.T) {
	assert.Same(t, iomod.Default(), iomod.Default())
}
