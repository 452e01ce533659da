package ejdb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softmotions/ejdb"
	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/query"
)

func TestVisitQueryVisitsEveryMatch(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Save(bson.NewDocument().Append("group", bson.String("a")))
		require.NoError(t, err)
	}

	q, err := c.CreateQuery(bson.NewDocument().Append("group", bson.String("a")))
	require.NoError(t, err)

	seen := 0
	_, err = c.VisitQuery(q, func(token *ejdb.VisitToken, m query.Match) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestVisitQueryStopEndsEarly(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Save(bson.NewDocument().Append("group", bson.String("a")))
		require.NoError(t, err)
	}

	q, err := c.CreateQuery(bson.NewDocument().Append("group", bson.String("a")))
	require.NoError(t, err)

	seen := 0
	_, err = c.VisitQuery(q, func(token *ejdb.VisitToken, m query.Match) bool {
		seen++
		if seen == 2 {
			token.Stop()
			return false
		}
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}
