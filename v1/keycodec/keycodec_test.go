package keycodec

import (
	"errors"
	"slices"
	"strings"
	"testing"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
)

func TestCanonicalNormalizes(t *testing.T) {
	k, err := Canonical("  Storage:ITEM001 ")
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if k != "distributed:lock:storage:storage:item001" {
		t.Fatalf("unexpected key %q", k)
	}
	for _, bad := range []string{"", "   ", "\t\n"} {
		if _, err := Canonical(bad); !errors.Is(err, lockerrors.ErrInvalidLockKey) {
			t.Fatalf("expected ErrInvalidLockKey for %q, got %v", bad, err)
		}
	}
}

func TestBatchKeyDeterministic(t *testing.T) {
	a, err := Batch([]string{"B", "A", "A", "C"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	b, err := Batch([]string{"C", "B", "A"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if a != b {
		t.Fatalf("batch keys differ: %s vs %s", a, b)
	}
	perms := [][]string{
		{"a", "b", "c"},
		{"c", "a", "b"},
		{" b ", "C", "a", "c", "A"},
		{"b", "c", "a", "b"},
	}
	for _, p := range perms {
		k, err := Batch(p)
		if err != nil {
			t.Fatalf("batch %v: %v", p, err)
		}
		if k != a {
			t.Fatalf("batch %v = %s, want %s", p, k, a)
		}
	}
	if !IsBatchKey(a) {
		t.Fatal("expected batch key")
	}
	if !strings.HasPrefix(a, DefaultPrefix+"batch:") {
		t.Fatalf("unexpected batch prefix %s", a)
	}
	if _, ok := ExtractResourceID(a); ok {
		t.Fatal("batch key must not yield a resource id")
	}
	other, _ := Batch([]string{"a", "b"})
	if other == a {
		t.Fatal("different sets produced the same batch key")
	}
}

func TestBatchRejectsInvalid(t *testing.T) {
	if _, err := Batch(nil); !errors.Is(err, lockerrors.ErrInvalidLockKey) {
		t.Fatalf("expected ErrInvalidLockKey for empty set, got %v", err)
	}
	if _, err := Batch([]string{"a", " "}); !errors.Is(err, lockerrors.ErrInvalidLockKey) {
		t.Fatalf("expected ErrInvalidLockKey for blank element, got %v", err)
	}
}

func TestMultiKeyOrdering(t *testing.T) {
	want, err := MultiKeyOrdering([]string{"item3", "ITEM1", "item2", "item1"})
	if err != nil {
		t.Fatalf("ordering: %v", err)
	}
	if len(want) != 3 {
		t.Fatalf("expected 3 keys, got %v", want)
	}
	for i := 1; i < len(want); i++ {
		if want[i-1] >= want[i] {
			t.Fatalf("not strictly ascending: %v", want)
		}
	}
	got, _ := MultiKeyOrdering([]string{"item2", "item1", "item3"})
	if !slices.Equal(got, want) {
		t.Fatalf("ordering depends on input order: %v vs %v", got, want)
	}
}

func TestExtractResourceIDAndCustomPrefix(t *testing.T) {
	c := New("app:locks:")
	k, _ := c.Canonical("Order-7")
	if k != "app:locks:order-7" {
		t.Fatalf("unexpected key %q", k)
	}
	id, ok := c.ExtractResourceID(k)
	if !ok || id != "order-7" {
		t.Fatalf("extract: %q %v", id, ok)
	}
	if _, ok := c.ExtractResourceID("other:order-7"); ok {
		t.Fatal("foreign key should not yield an id")
	}
	if c.Pattern() != "app:locks:*" {
		t.Fatalf("unexpected pattern %q", c.Pattern())
	}
	if New("").Prefix() != DefaultPrefix {
		t.Fatal("empty prefix should select the default")
	}
}
