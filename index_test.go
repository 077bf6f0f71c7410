package ckvd

import (
	"reflect"
	"testing"
)

func Test_Index_Add_Then_Get_Exact_Key(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k, _ := NewKey("users", "alice")
	idx.add(k, 100)

	q, _ := NewQuery("users", "alice")

	got := idx.get(q, 0, false)
	if !reflect.DeepEqual(got, []int64{100}) {
		t.Fatalf("got %v, want [100]", got)
	}
}

func Test_Index_Add_On_Existing_Key_Overwrites_Last_Write_Wins(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k, _ := NewKey("users", "alice")
	idx.add(k, 100)
	idx.add(k, 200)

	q, _ := NewQuery("users", "alice")

	got := idx.get(q, 0, false)
	if !reflect.DeepEqual(got, []int64{200}) {
		t.Fatalf("got %v, want [200] (last write should win)", got)
	}
}

func Test_Index_Delete_Removes_Reference_And_Prunes(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k, _ := NewKey("users", "alice")
	idx.add(k, 100)

	prior, ok := idx.delete(k)
	if !ok || prior != 100 {
		t.Fatalf("delete returned (%d, %v), want (100, true)", prior, ok)
	}

	q, _ := NewQuery("users", "alice")

	if got := idx.get(q, 0, false); len(got) != 0 {
		t.Fatalf("got %v after delete, want empty", got)
	}

	if len(idx.root.children) != 0 {
		t.Fatalf("expected root to be pruned clean after deleting its only descendant")
	}
}

func Test_Index_Delete_Of_Missing_Key_Reports_False(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k, _ := NewKey("users", "bob")

	_, ok := idx.delete(k)
	if ok {
		t.Fatalf("expected delete of missing key to report false")
	}
}

func Test_Index_Delete_Does_Not_Prune_Node_With_Remaining_Children(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	kParent, _ := NewKey("users")
	kChild, _ := NewKey("users", "alice")

	idx.add(kParent, 1)
	idx.add(kChild, 2)

	idx.delete(kParent)

	q, _ := NewQuery("users", "alice")
	if got := idx.get(q, 0, false); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("got %v, want [2] (child must survive parent deletion)", got)
	}
}

func Test_Index_Get_Prefix_Query_Collects_Whole_Subtree(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k1, _ := NewKey("data", 1.0)
	k2, _ := NewKey("data", 2.0)
	k3, _ := NewKey("data", 3.0)

	idx.add(k1, 10)
	idx.add(k2, 20)
	idx.add(k3, 30)

	q, _ := NewQuery("data")

	got := idx.get(q, 0, false)
	if !reflect.DeepEqual(got, []int64{10, 20, 30}) {
		t.Fatalf("got %v, want [10 20 30] ascending", got)
	}
}

func Test_Index_Get_Numeric_Range_Query(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	for i := 5; i <= 10; i++ {
		k, _ := NewKey("data", float64(i))
		idx.add(k, int64(i*10))
	}

	q, err := NewQuery("data", RangeFragment{From: 7.0, To: 9.0})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}

	got := idx.get(q, 0, false)
	if !reflect.DeepEqual(got, []int64{70, 80, 90}) {
		t.Fatalf("got %v, want [70 80 90]", got)
	}
}

func Test_Index_Get_Reverse_Order(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k1, _ := NewKey("data", 1.0)
	k2, _ := NewKey("data", 2.0)

	idx.add(k1, 10)
	idx.add(k2, 20)

	q, _ := NewQuery("data")

	got := idx.get(q, 0, true)
	if !reflect.DeepEqual(got, []int64{20, 10}) {
		t.Fatalf("got %v, want [20 10] descending", got)
	}
}

func Test_Index_Get_Respects_Limit(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	for i := range 5 {
		k, _ := NewKey("data", float64(i))
		idx.add(k, int64(i))
	}

	q, _ := NewQuery("data")

	got := idx.get(q, 2, false)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
}

func Test_Index_GetChildKeys_At_Root(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k1, _ := NewKey("users")
	k2, _ := NewKey("posts")

	idx.add(k1, 1)
	idx.add(k2, 2)

	got := idx.getChildKeys(nil)
	if !reflect.DeepEqual(got, []string{"posts", "users"}) {
		t.Fatalf("got %v, want [posts users]", got)
	}
}

func Test_Index_GetChildKeys_Under_Query(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k1, _ := NewKey("users", "alice")
	k2, _ := NewKey("users", "bob")

	idx.add(k1, 1)
	idx.add(k2, 2)

	q, _ := NewQuery("users")

	got := idx.getChildKeys(&q)
	if !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("got %v, want [alice bob]", got)
	}
}

func Test_Index_Clear_Resets_To_Empty_Root(t *testing.T) {
	t.Parallel()

	idx := newIndex()

	k, _ := NewKey("users", "alice")
	idx.add(k, 1)

	idx.clear()

	if len(idx.root.children) != 0 {
		t.Fatalf("expected empty root after clear")
	}
}
