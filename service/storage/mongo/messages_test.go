package mongo

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestHistoryFindOpts(t *testing.T) {
	opts := historyFindOpts(100)

	sort, ok := opts.Sort.(bson.D)
	require.True(t, ok)
	require.Equal(t, bson.D{
		{Key: "sequence_number", Value: 1},
		{Key: "microsecond_timestamp", Value: 1},
	}, sort)

	require.NotNil(t, opts.Limit)
	require.Equal(t, int64(100), *opts.Limit)
}

func TestHistoryFindOptsNoLimit(t *testing.T) {
	opts := historyFindOpts(0)
	require.Nil(t, opts.Limit)
	require.NotNil(t, opts.Sort)
}
