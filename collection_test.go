package ejdb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softmotions/ejdb"
	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/index"
)

func TestCollectionSaveAssignsIDAndLoad(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)

	id, err := c.Save(bson.NewDocument().Append("name", bson.String("ann")))
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	doc, err := c.Load(id)
	require.NoError(t, err)
	v, _ := doc.Get("name")
	s, _ := v.AsString()
	assert.Equal(t, "ann", s)
}

func TestCollectionSavePreservesExistingID(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)

	id, err := c.Save(bson.NewDocument().Append("name", bson.String("ann")))
	require.NoError(t, err)

	doc, err := c.Load(id)
	require.NoError(t, err)
	doc.Append("name", bson.String("ann2"))
	id2, err := c.Save(doc)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestCollectionRemove(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)

	id, err := c.Save(bson.NewDocument().Append("name", bson.String("ann")))
	require.NoError(t, err)
	require.NoError(t, c.Remove(id))

	_, err = c.Load(id)
	require.Error(t, err)
}

func TestCollectionEnsureIndexBackfillsAndIsUsed(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)

	_, err = c.Save(bson.NewDocument().Append("city", bson.String("NY")))
	require.NoError(t, err)
	_, err = c.Save(bson.NewDocument().Append("city", bson.String("LA")))
	require.NoError(t, err)

	require.NoError(t, c.EnsureIndex("city", index.KindStringLex, false))
	assert.Contains(t, c.IndexNames(), "city")

	q, err := c.CreateQuery(bson.NewDocument().Append("city", bson.String("NY")))
	require.NoError(t, err)
	matches, err := c.Execute(q)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCollectionDropIndex(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)
	require.NoError(t, c.EnsureIndex("city", index.KindStringLex, false))
	require.NoError(t, c.DropIndex("city"))
	assert.NotContains(t, c.IndexNames(), "city")
}

func TestCollectionExecuteAppliesUpdate(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)

	id, err := c.Save(bson.NewDocument().Append("name", bson.String("ann")).Append("age", bson.Int32(30)))
	require.NoError(t, err)

	qdoc := bson.NewDocument().
		Append("name", bson.String("ann")).
		Append("$inc", bson.ObjectVal(bson.NewDocument().Append("age", bson.Int32(1))))
	q, err := c.CreateQuery(qdoc)
	require.NoError(t, err)
	matches, err := c.Execute(q)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	doc, err := c.Load(id)
	require.NoError(t, err)
	v, _ := doc.Get("age")
	n, _ := v.Numeric()
	assert.Equal(t, float64(31), n)
}

func TestCollectionExecuteDropallRemoves(t *testing.T) {
	db := openTestDB(t)
	c, err := db.Collection("people", ejdb.CollectionOptions{})
	require.NoError(t, err)

	id, err := c.Save(bson.NewDocument().Append("name", bson.String("ann")))
	require.NoError(t, err)

	qdoc := bson.NewDocument().
		Append("name", bson.String("ann")).
		Append("$dropall", bson.Bool(true))
	q, err := c.CreateQuery(qdoc)
	require.NoError(t, err)
	_, err = c.Execute(q)
	require.NoError(t, err)

	_, err = c.Load(id)
	require.Error(t, err)
}
