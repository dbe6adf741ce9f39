package topology

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// StoreTestSuite runs the same behavioural tests against any Store.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs every store test.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("SaveAndGet", s.TestSaveAndGet)
	t.Run("GetByChuteIDMissing", s.TestGetByChuteIDMissing)
	t.Run("RejectsInvalid", s.TestRejectsInvalid)
	t.Run("ListAndDelete", s.TestListAndDelete)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
}

func sampleRoute(chuteID string) *ChuteRouteConfiguration {
	return &ChuteRouteConfiguration{
		ChuteID:   chuteID,
		IsEnabled: true,
		Entries: []DiverterConfigurationEntry{
			{DiverterID: 3, TargetDirection: Left, SequenceNumber: 2},
			{DiverterID: 1, TargetDirection: Straight, SequenceNumber: 1},
		},
		ExceptionChuteID: "999",
	}
}

// TestSaveAndGet checks a saved route round-trips through the store.
func (s *StoreTestSuite) TestSaveAndGet(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Save(ctx, sampleRoute("10")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "10")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ChuteID != "10" || len(got.Entries) != 2 || got.ExceptionChuteID != "999" || !got.IsEnabled {
		t.Fatalf("unexpected route: %+v", got)
	}

	viaSource := store.GetByChuteID("10")
	if viaSource == nil || viaSource.Entries[0].DiverterID != 3 {
		t.Fatalf("GetByChuteID returned %+v", viaSource)
	}

	// Mutating the returned copy must not affect the store.
	viaSource.Entries[0].DiverterID = 42
	if again := store.GetByChuteID("10"); again.Entries[0].DiverterID != 3 {
		t.Fatal("store returned shared entry slice")
	}
}

// TestGetByChuteIDMissing checks the miss path.
func (s *StoreTestSuite) TestGetByChuteIDMissing(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	if cfg := store.GetByChuteID("nope"); cfg != nil {
		t.Fatalf("expected nil, got %+v", cfg)
	}
	if _, err := store.Get(context.Background(), "nope"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// TestRejectsInvalid checks duplicate sequence numbers are refused.
func (s *StoreTestSuite) TestRejectsInvalid(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	bad := sampleRoute("11")
	bad.Entries[1].SequenceNumber = 2
	if err := store.Save(context.Background(), bad); err == nil {
		t.Fatal("expected duplicate sequence number to be rejected")
	}
}

// TestListAndDelete checks listing and removal.
func (s *StoreTestSuite) TestListAndDelete(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := store.Save(ctx, sampleRoute(id)); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(all))
	}

	if err := store.Delete(ctx, "2"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "2"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError on second delete, got %v", err)
	}
	if store.GetByChuteID("2") != nil {
		t.Fatal("route still present after delete")
	}
}

// TestConcurrentAccess hammers the store from several goroutines.
func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		id := fmt.Sprintf("c-%d", i)
		go func() {
			defer wg.Done()
			if err := store.Save(ctx, sampleRoute(id)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			_ = store.GetByChuteID(id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent save failed: %v", err)
	}
}
