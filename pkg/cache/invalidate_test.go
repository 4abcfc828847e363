package cache

import (
	"testing"
	"time"
)

func seed(s *Store, keys ...string) {
	for _, k := range keys {
		s.Set(k, []byte("v"), time.Hour)
	}
}

func TestInvalidate_Substring(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s,
		"acme:GET:/products:list",
		"acme:GET:/products:p1",
		"acme:GET:/orders:o1",
	)

	removed := s.Invalidate("products", InvalidateOptions{})
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := s.Get("acme:GET:/orders:o1"); !ok {
		t.Error("unrelated key should survive")
	}
}

func TestInvalidate_Regex(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s,
		"acme:GET:/products:p1",
		"globex:GET:/products:p1",
	)

	removed := s.Invalidate("^acme:.*products", InvalidateOptions{})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get("globex:GET:/products:p1"); !ok {
		t.Error("other tenant's key should survive an anchored pattern")
	}
}

func TestInvalidate_CascadeProduct(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s,
		"tenant:product:P1",
		"tenant:GET:products:list",
		"recommendations:product:P1",
		"tenant:GET:orders:o1",
	)

	removed := s.Invalidate("tenant:product:P1", InvalidateOptions{Cascade: true})
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	for _, key := range []string{
		"tenant:product:P1",
		"tenant:GET:products:list",
		"recommendations:product:P1",
	} {
		if _, ok := s.Get(key); ok {
			t.Errorf("key %q should have been cascaded away", key)
		}
	}
	if _, ok := s.Get("tenant:GET:orders:o1"); !ok {
		t.Error("orders key should survive the product cascade")
	}
}

func TestInvalidate_CascadeUser(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s,
		"tenant:user:U1",
		"sessions:user:U1",
		"preferences:user:U1",
	)

	removed := s.Invalidate("tenant:user:U1", InvalidateOptions{Cascade: true})
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
}

func TestInvalidate_Related(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s,
		"acme:product:list",
		"acme:recommendation:top",
		"acme:review:r1",
		"acme:order:o1",
	)

	removed := s.Invalidate("product", InvalidateOptions{Related: true})
	if removed != 3 {
		t.Errorf("removed = %d, want 3 (product + recommendation + review)", removed)
	}
	if _, ok := s.Get("acme:order:o1"); !ok {
		t.Error("order key should survive related invalidation")
	}
}

func TestInvalidate_RelatedUser(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s,
		"acme:user:u1",
		"acme:session:s1",
		"acme:preference:p1",
	)

	if removed := s.Invalidate("user", InvalidateOptions{Related: true}); removed != 3 {
		t.Errorf("removed = %d, want 3 (user + session + preference)", removed)
	}
}

func TestInvalidate_NoMatches(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	seed(s, "acme:GET:/products")

	if removed := s.Invalidate("nothing-here", InvalidateOptions{Cascade: true, Related: true}); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
