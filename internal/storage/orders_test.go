package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventsForOrdersLoadsEveryDate(t *testing.T) {
	require.Contains(t, listEventsForOrdersSQL, "order_id = ANY($1)")
	require.NotContains(t, listEventsForOrdersSQL, "$2")
	require.False(t, strings.Contains(listEventsForOrdersSQL, "dispatch_date <"))
}

func TestEventsForOrdersWithoutIDs(t *testing.T) {
	s := NewStore(nil, nil)
	events, err := s.EventsForOrders(testContext(t), nil)
	require.NoError(t, err)
	require.Empty(t, events)
}
