package query_test

import (
	"path/filepath"
	"testing"

	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/index"
	"github.com/softmotions/ejdb/query"
)

func doc(fields ...interface{}) *bson.Document {
	d := bson.NewDocument()
	for i := 0; i < len(fields); i += 2 {
		key := fields[i].(string)
		switch v := fields[i+1].(type) {
		case string:
			d.Append(key, bson.String(v))
		case int:
			d.Append(key, bson.Int32(int32(v)))
		case bson.Value:
			d.Append(key, v)
		}
	}
	return d
}

func TestMatchesImplicitEquality(t *testing.T) {
	q, err := query.CreateQuery(doc("name", "ann"))
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	if !q.Matches(doc("name", "ann", "age", 30)) {
		t.Fatalf("expected match")
	}
	if q.Matches(doc("name", "bob")) {
		t.Fatalf("expected no match")
	}
}

func TestMatchesComparisonOperators(t *testing.T) {
	ops := bson.NewDocument()
	ops.Append("$gte", bson.Int32(18))
	qdoc := bson.NewDocument().Append("age", bson.ObjectVal(ops))
	q, err := query.CreateQuery(qdoc)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	if !q.Matches(doc("age", 21)) {
		t.Fatalf("expected 21 >= 18 to match")
	}
	if q.Matches(doc("age", 10)) {
		t.Fatalf("expected 10 >= 18 to not match")
	}
}

func TestAndConjunction(t *testing.T) {
	andOps := bson.NewDocument()
	gte := bson.NewDocument().Append("$gte", bson.Int32(18))
	lte := bson.NewDocument().Append("$lte", bson.Int32(65))
	andArr := bson.NewArray().
		Append(bson.ObjectVal(bson.NewDocument().Append("age", bson.ObjectVal(gte)))).
		Append(bson.ObjectVal(bson.NewDocument().Append("age", bson.ObjectVal(lte))))
	andOps.Append("$and", bson.ArrayVal(andArr))
	q, err := query.CreateQuery(andOps)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	if !q.Matches(doc("age", 30)) {
		t.Fatalf("expected 30 in [18,65]")
	}
	if q.Matches(doc("age", 80)) {
		t.Fatalf("expected 80 outside [18,65]")
	}
}

func TestApplyUpdateSetIncPush(t *testing.T) {
	base := doc("name", "ann", "age", 30)
	update := bson.NewDocument()
	update.Append("$set", bson.ObjectVal(bson.NewDocument().Append("city", bson.String("NY"))))
	update.Append("$inc", bson.ObjectVal(bson.NewDocument().Append("age", bson.Int32(1))))
	update.Append("$push", bson.ObjectVal(bson.NewDocument().Append("tags", bson.String("vip"))))

	result, dropAll, err := query.ApplyUpdate(base, update, nil)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if dropAll {
		t.Fatalf("unexpected dropAll")
	}
	city, _ := result.Get("city")
	if s, _ := city.AsString(); s != "NY" {
		t.Fatalf("expected city set to NY, got %v", city)
	}
	age, _ := result.Get("age")
	if n, _ := age.Numeric(); n != 31 {
		t.Fatalf("expected age incremented to 31, got %v", n)
	}
	tags, _ := result.Get("tags")
	arr, ok := tags.AsArray()
	if !ok || arr.Len() != 1 {
		t.Fatalf("expected tags array with 1 item, got %v", tags)
	}
}

func TestApplyUpdatePullAndDropall(t *testing.T) {
	arr := bson.NewArray().Append(bson.String("a")).Append(bson.String("b")).Append(bson.String("c"))
	base := bson.NewDocument().Append("tags", bson.ArrayVal(arr))
	update := bson.NewDocument()
	update.Append("$pull", bson.ObjectVal(bson.NewDocument().Append("tags", bson.String("b"))))
	update.Append("$dropall", bson.Bool(true))

	result, dropAll, err := query.ApplyUpdate(base, update, nil)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if !dropAll {
		t.Fatalf("expected dropAll true")
	}
	tags, _ := result.Get("tags")
	tarr, _ := tags.AsArray()
	if tarr.Len() != 2 {
		t.Fatalf("expected 2 remaining tags, got %d", tarr.Len())
	}
}

func TestSortMatches(t *testing.T) {
	docs := []*bson.Document{doc("age", 30), doc("age", 10), doc("age", 20)}
	matches := make([]query.Match, len(docs))
	for i, d := range docs {
		matches[i] = query.Match{ID: []byte{byte(i)}, Doc: d}
	}
	query.SortMatches(matches, []query.SortKey{{Path: "age"}})
	var ages []float64
	for _, m := range matches {
		v, _ := m.Doc.Get("age")
		n, _ := v.Numeric()
		ages = append(ages, n)
	}
	if ages[0] != 10 || ages[1] != 20 || ages[2] != 30 {
		t.Fatalf("expected ascending sort, got %v", ages)
	}
}

func TestDistinctDeduplicatesAndSorts(t *testing.T) {
	docs := []*bson.Document{doc("city", "NY"), doc("city", "LA"), doc("city", "NY")}
	got := query.Distinct(docs, "city")
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct cities, got %d", len(got))
	}
	s0, _ := got[0].AsString()
	s1, _ := got[1].AsString()
	if s0 != "LA" || s1 != "NY" {
		t.Fatalf("expected sorted [LA NY], got [%s %s]", s0, s1)
	}
}

func TestExecuteUsesIndexForEqualityLeaf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "city.idx")
	idx, err := index.Open(path, []string{"city"}, index.KindStringLex, false)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	store := map[string]*bson.Document{
		"1": doc("city", "NY", "age", 30),
		"2": doc("city", "LA", "age", 40),
		"3": doc("city", "NY", "age", 50),
	}
	for id, d := range store {
		idx.Apply([]byte(id), nil, d)
	}
	indexes := map[string]*index.Index{"city": idx}

	q, err := query.CreateQuery(doc("city", "NY"))
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	fetch := func(id []byte) (*bson.Document, error) {
		d, ok := store[string(id)]
		if !ok {
			return nil, query.ErrStale
		}
		return d, nil
	}
	scanCalled := false
	scan := func(visit func(id []byte) bool) error {
		scanCalled = true
		for id := range store {
			if !visit([]byte(id)) {
				break
			}
		}
		return nil
	}
	matches, err := query.Execute(q, indexes, int64(len(store)), fetch, scan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if scanCalled {
		t.Fatalf("expected index path to avoid a full scan")
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches for city=NY, got %d", len(matches))
	}
}

func TestExecuteFallsBackToScanWithoutIndex(t *testing.T) {
	store := map[string]*bson.Document{
		"1": doc("city", "NY"),
		"2": doc("city", "LA"),
	}
	q, _ := query.CreateQuery(doc("city", "LA"))
	fetch := func(id []byte) (*bson.Document, error) { return store[string(id)], nil }
	scan := func(visit func(id []byte) bool) error {
		for id := range store {
			if !visit([]byte(id)) {
				break
			}
		}
		return nil
	}
	matches, err := query.Execute(q, nil, int64(len(store)), fetch, scan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match via scan, got %d", len(matches))
	}
}

func TestExecuteUsesRangeIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.idx")
	idx, err := index.Open(path, []string{"k"}, index.KindNumber, false)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	store := make(map[string]*bson.Document, 10000)
	for i := 0; i < 10000; i++ {
		id := []byte{byte(i >> 8), byte(i)}
		d := doc("k", i)
		store[string(id)] = d
		idx.Apply(id, nil, d)
	}
	indexes := map[string]*index.Index{"k": idx}

	gte := bson.NewDocument().Append("$gte", bson.Int32(9995))
	q, err := query.CreateQuery(bson.NewDocument().Append("k", bson.ObjectVal(gte)))
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	fetch := func(id []byte) (*bson.Document, error) {
		d, ok := store[string(id)]
		if !ok {
			return nil, query.ErrStale
		}
		return d, nil
	}
	scanCalled := false
	scan := func(visit func(id []byte) bool) error {
		scanCalled = true
		return nil
	}
	matches, err := query.Execute(q, indexes, int64(len(store)), fetch, scan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if scanCalled {
		t.Fatalf("expected the number index range cursor to avoid a full scan")
	}
	if len(matches) != 5 {
		t.Fatalf("expected exactly 5 matches for k>=9995, got %d", len(matches))
	}
}

func TestElemMatchPositionalUpdate(t *testing.T) {
	items := bson.NewArray().
		Append(bson.ObjectVal(doc("sku", "a", "qty", 1))).
		Append(bson.ObjectVal(doc("sku", "b", "qty", 2))).
		Append(bson.ObjectVal(doc("sku", "c", "qty", 3)))
	base := bson.NewDocument().Append("items", bson.ArrayVal(items))

	elemMatch := bson.NewDocument().Append("sku", bson.String("b"))
	cond := bson.NewDocument().Append("$elemMatch", bson.ObjectVal(elemMatch))
	qdoc := bson.NewDocument().Append("items", bson.ObjectVal(cond))
	q, err := query.CreateQuery(qdoc)
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	ok, positions := q.MatchPositions(base)
	if !ok {
		t.Fatalf("expected $elemMatch to match")
	}
	if positions["items"] != 1 {
		t.Fatalf("expected matched position 1, got %d", positions["items"])
	}

	update := bson.NewDocument().Append("$set",
		bson.ObjectVal(bson.NewDocument().Append("items.$.qty", bson.Int32(20))))
	result, _, err := query.ApplyUpdate(base, update, positions)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	itemsV, _ := result.Get("items")
	arr, _ := itemsV.AsArray()
	second, _ := arr.At(1)
	qty, _ := second.AsDocument()
	qtyV, _ := qty.Get("qty")
	n, _ := qtyV.Numeric()
	if n != 20 {
		t.Fatalf("expected items[1].qty == 20, got %v", n)
	}
	first, _ := arr.At(0)
	firstDoc, _ := first.AsDocument()
	firstQty, _ := firstDoc.Get("qty")
	fn, _ := firstQty.Numeric()
	if fn != 1 {
		t.Fatalf("expected items[0].qty unchanged at 1, got %v", fn)
	}
}

func TestBeginBtStrandStrorIcase(t *testing.T) {
	begin := bson.NewDocument().Append("$begin", bson.String("al"))
	q, err := query.CreateQuery(bson.NewDocument().Append("name", bson.ObjectVal(begin)))
	if err != nil {
		t.Fatalf("CreateQuery $begin: %v", err)
	}
	if !q.Matches(doc("name", "alice")) || q.Matches(doc("name", "bob")) {
		t.Fatalf("$begin prefix match failed")
	}

	bt := bson.NewDocument().Append("$bt", bson.ArrayVal(bson.NewArray().Append(bson.Int32(10)).Append(bson.Int32(20))))
	q, err = query.CreateQuery(bson.NewDocument().Append("age", bson.ObjectVal(bt)))
	if err != nil {
		t.Fatalf("CreateQuery $bt: %v", err)
	}
	if !q.Matches(doc("age", 15)) || q.Matches(doc("age", 25)) {
		t.Fatalf("$bt between match failed")
	}

	strand := bson.NewDocument().Append("$strand", bson.ArrayVal(bson.NewArray().Append(bson.String("red")).Append(bson.String("fast"))))
	q, err = query.CreateQuery(bson.NewDocument().Append("tags", bson.ObjectVal(strand)))
	if err != nil {
		t.Fatalf("CreateQuery $strand: %v", err)
	}
	tagsDoc := bson.NewDocument().Append("tags", bson.String("red fast car"))
	if !q.Matches(tagsDoc) {
		t.Fatalf("$strand expected all tokens present")
	}

	icase := bson.NewDocument().Append("$icase", bson.String("ALICE"))
	q, err = query.CreateQuery(bson.NewDocument().Append("name", bson.ObjectVal(icase)))
	if err != nil {
		t.Fatalf("CreateQuery $icase: %v", err)
	}
	if !q.Matches(doc("name", "alice")) {
		t.Fatalf("$icase expected case-insensitive match")
	}
}
