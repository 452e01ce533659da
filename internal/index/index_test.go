package index_test

import (
	"path/filepath"
	"testing"

	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/index"
)

func TestApplyAndLookupNumberIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "age.idx")
	idx, err := index.Open(path, []string{"age"}, index.KindNumber, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	doc1 := bson.NewDocument().Append("age", bson.Int32(30))
	doc2 := bson.NewDocument().Append("age", bson.Int32(40))
	if err := idx.Apply([]byte("id1"), nil, doc1); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := idx.Apply([]byte("id2"), nil, doc2); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := idx.Lookup(bson.Int32(30))
	if len(got) != 1 || string(got[0]) != "id1" {
		t.Fatalf("Lookup(30) = %v", got)
	}

	doc1Updated := bson.NewDocument().Append("age", bson.Int32(99))
	if err := idx.Apply([]byte("id1"), doc1, doc1Updated); err != nil {
		t.Fatalf("Apply update: %v", err)
	}
	if got := idx.Lookup(bson.Int32(30)); len(got) != 0 {
		t.Fatalf("expected old key gone, got %v", got)
	}
	if got := idx.Lookup(bson.Int32(99)); len(got) != 1 {
		t.Fatalf("expected new key present, got %v", got)
	}
}

func TestArrayTokenIndexContributesPerElement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.idx")
	idx, err := index.Open(path, []string{"tags"}, index.KindArrayToken, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	tags := bson.NewArray().Append(bson.String("red")).Append(bson.String("blue"))
	doc := bson.NewDocument().Append("tags", bson.ArrayVal(tags))
	if err := idx.Apply([]byte("id1"), nil, doc); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := idx.Lookup(bson.String("red")); len(got) != 1 {
		t.Fatalf("expected red to match id1, got %v", got)
	}
	if got := idx.Lookup(bson.String("blue")); len(got) != 1 {
		t.Fatalf("expected blue to match id1, got %v", got)
	}
	if got := idx.Lookup(bson.String("green")); len(got) != 0 {
		t.Fatalf("expected no match for green, got %v", got)
	}
}

func TestApplyRemovesKeysOnDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "name.idx")
	idx, _ := index.Open(path, []string{"name"}, index.KindStringLex, false)
	defer idx.Close()

	doc := bson.NewDocument().Append("name", bson.String("ann"))
	idx.Apply([]byte("id1"), nil, doc)
	if got := idx.Lookup(bson.String("ann")); len(got) != 1 {
		t.Fatalf("expected ann indexed, got %v", got)
	}
	idx.Apply([]byte("id1"), doc, nil)
	if got := idx.Lookup(bson.String("ann")); len(got) != 0 {
		t.Fatalf("expected ann removed, got %v", got)
	}
}
