package service

import "testing"

func TestResultCache_GetSet(t *testing.T) {
	c := newResultCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", &Result{Caption: "a cat"})
	v, ok := c.Get("a")
	if !ok || v.Caption != "a cat" {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", &Result{Caption: "a dog"})
	c.Set("c", &Result{Caption: "a bird"}) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestResultCache_GetRefreshesRecency(t *testing.T) {
	c := newResultCache(2)
	c.Set("a", &Result{})
	c.Set("b", &Result{})
	c.Get("a")
	c.Set("c", &Result{}) // evicts b, not a
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to remain after Get")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
}

func TestResultCache_Update(t *testing.T) {
	c := newResultCache(2)
	c.Set("a", &Result{Caption: "old"})
	c.Set("a", &Result{Caption: "new"})
	v, _ := c.Get("a")
	if v.Caption != "new" || c.Len() != 1 {
		t.Errorf("got %q with %d entries", v.Caption, c.Len())
	}
}

func TestResultCache_Disabled(t *testing.T) {
	c := newResultCache(0)
	c.Set("a", &Result{})
	if _, ok := c.Get("a"); ok {
		t.Error("zero capacity should not store")
	}
}
