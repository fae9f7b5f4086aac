package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/clock"
	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *MemoryBackend, *clock.MockClock) {
	clk := clock.NewMockClock(epoch)
	backend := NewMemoryBackend(clk)
	return NewStore(backend, clk, nil), backend, clk
}

func TestStore_StartCompleteIsDuplicate(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()
	req := map[string]any{"amount": 1000, "currency": "EUR"}

	ok, err := store.StartRequest(ctx, "k1", "mock", "refund", req, 0)
	if err != nil || !ok {
		t.Fatalf("first StartRequest = %v, %v; want true, nil", ok, err)
	}

	ok, err = store.StartRequest(ctx, "k1", "mock", "refund", req, 0)
	if err != nil {
		t.Fatalf("second StartRequest error: %v", err)
	}
	if ok {
		t.Fatal("second StartRequest should lose")
	}

	if err := store.CompleteRequest(ctx, "k1", map[string]any{"ok": true}, domain.IdempotencyCompleted); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}

	dup, cached, err := store.IsDuplicate(ctx, "k1", req)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Error("expected duplicate")
	}
	if cached["ok"] != true {
		t.Errorf("cached = %v, want {ok:true}", cached)
	}
}

func TestStore_ConcurrentStartRequest(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.StartRequest(ctx, "race", "mock", "capture", nil, time.Minute)
			if err != nil {
				t.Errorf("StartRequest: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}

func TestStore_IsDuplicate(t *testing.T) {
	req := map[string]any{"payment_id": "pi_1"}

	tests := []struct {
		name       string
		setup      func(ctx context.Context, s *Store)
		lookup     map[string]any
		wantDup    bool
		wantCached bool
		wantErr    error
		wantGone   bool
	}{
		{
			name:    "absent",
			setup:   func(context.Context, *Store) {},
			lookup:  req,
			wantDup: false,
		},
		{
			name: "pending",
			setup: func(ctx context.Context, s *Store) {
				s.StartRequest(ctx, "k", "mock", "capture", req, 0)
			},
			lookup:  req,
			wantDup: true,
		},
		{
			name: "completed",
			setup: func(ctx context.Context, s *Store) {
				s.StartRequest(ctx, "k", "mock", "capture", req, 0)
				s.CompleteRequest(ctx, "k", map[string]any{"status": "captured"}, domain.IdempotencyCompleted)
			},
			lookup:     req,
			wantDup:    true,
			wantCached: true,
		},
		{
			name: "failed is cleared",
			setup: func(ctx context.Context, s *Store) {
				s.StartRequest(ctx, "k", "mock", "capture", req, 0)
				s.CompleteRequest(ctx, "k", nil, domain.IdempotencyFailed)
			},
			lookup:   req,
			wantDup:  false,
			wantGone: true,
		},
		{
			name: "hash mismatch",
			setup: func(ctx context.Context, s *Store) {
				s.StartRequest(ctx, "k", "mock", "capture", req, 0)
			},
			lookup:  map[string]any{"payment_id": "pi_2"},
			wantErr: domain.ErrIdempotencyCollision,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, _, _ := newTestStore()
			tt.setup(ctx, store)

			dup, cached, err := store.IsDuplicate(ctx, "k", tt.lookup)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dup != tt.wantDup {
				t.Errorf("dup = %v, want %v", dup, tt.wantDup)
			}
			if (cached != nil) != tt.wantCached {
				t.Errorf("cached = %v, wantCached %v", cached, tt.wantCached)
			}
			if tt.wantGone {
				rec, _ := store.Get(ctx, "k")
				if rec != nil {
					t.Errorf("record should be deleted, got %+v", rec)
				}
			}
		})
	}
}

func TestStore_CompleteRequestKeepsTTL(t *testing.T) {
	ctx := context.Background()
	store, _, clk := newTestStore()

	store.StartRequest(ctx, "k", "mock", "refund", nil, time.Hour)
	clk.Advance(40 * time.Minute)

	if err := store.CompleteRequest(ctx, "k", map[string]any{"id": "re_1"}, domain.IdempotencyCompleted); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}

	clk.Advance(25 * time.Minute)
	rec, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("record should expire on the original deadline, got %+v", rec)
	}
}

func TestStore_CompleteRequestValidation(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	err := store.CompleteRequest(ctx, "missing", nil, domain.IdempotencyCompleted)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing key err = %v, want ErrNotFound", err)
	}

	store.StartRequest(ctx, "k", "mock", "refund", nil, 0)
	err = store.CompleteRequest(ctx, "k", nil, domain.IdempotencyPending)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("pending status err = %v, want ErrInvalidInput", err)
	}
}

func TestStore_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	store, _, clk := newTestStore()

	store.StartRequest(ctx, "k", "mock", "refund", nil, 0)
	rec, _ := store.Get(ctx, "k")
	if rec == nil {
		t.Fatal("expected record")
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != domain.DefaultIdempotencyTTL {
		t.Errorf("ttl = %v, want %v", got, domain.DefaultIdempotencyTTL)
	}

	clk.Advance(domain.DefaultIdempotencyTTL)
	ok, _ := store.StartRequest(ctx, "k", "mock", "refund", nil, 0)
	if !ok {
		t.Error("expired key should be claimable again")
	}
}

func TestStore_DeleteKeyAllowsRestart(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	store.StartRequest(ctx, "k", "mock", "refund", nil, 0)
	if err := store.DeleteKey(ctx, "k"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	ok, err := store.StartRequest(ctx, "k", "mock", "refund", nil, 0)
	if err != nil || !ok {
		t.Errorf("StartRequest after delete = %v, %v", ok, err)
	}
}

func TestStore_StartRequestRejectsEmptyKey(t *testing.T) {
	store, _, _ := newTestStore()
	_, err := store.StartRequest(context.Background(), "", "mock", "refund", nil, 0)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

// interleavingBackend lets a second caller run from inside the first
// caller's DeleteIfStatus, after its Get but before its delete.
type interleavingBackend struct {
	Backend
	fired atomic.Bool
	other func()
}

func (b *interleavingBackend) DeleteIfStatus(ctx context.Context, key string, status domain.IdempotencyStatus) (bool, error) {
	if b.fired.CompareAndSwap(false, true) {
		b.other()
	}
	return b.Backend.DeleteIfStatus(ctx, key, status)
}

func TestStore_FailedKeyReclaimedOnce(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(epoch)
	mem := NewMemoryBackend(clk)
	backend := &interleavingBackend{Backend: mem}
	store := NewStore(backend, clk, nil)
	req := map[string]any{"refund_id": "re_1"}

	store.StartRequest(ctx, "k1", "mock", "refund", req, 0)
	store.CompleteRequest(ctx, "k1", nil, domain.IdempotencyFailed)

	var otherStarted bool
	backend.other = func() {
		dup, _, err := store.IsDuplicate(ctx, "k1", req)
		if err != nil || dup {
			t.Errorf("inner IsDuplicate = %v, %v; want cleared", dup, err)
			return
		}
		otherStarted, _ = store.StartRequest(ctx, "k1", "mock", "refund", req, 0)
	}

	dup, _, err := store.IsDuplicate(ctx, "k1", req)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !otherStarted {
		t.Fatal("inner caller should have reclaimed the key")
	}
	if !dup {
		t.Fatal("outer caller should see the reclaimed key as in flight")
	}
	if ok, _ := store.StartRequest(ctx, "k1", "mock", "refund", req, 0); ok {
		t.Error("two callers won StartRequest while a record was pending")
	}
	rec, _ := store.Get(ctx, "k1")
	if rec == nil || rec.Status != domain.IdempotencyPending {
		t.Errorf("record = %+v, want pending", rec)
	}
}

func TestStore_ConcurrentReclaimOfFailedKey(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()
	req := map[string]any{"refund_id": "re_2"}

	store.StartRequest(ctx, "k2", "mock", "refund", req, 0)
	store.CompleteRequest(ctx, "k2", nil, domain.IdempotencyFailed)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, _, err := store.IsDuplicate(ctx, "k2", req)
			if err != nil {
				t.Errorf("IsDuplicate: %v", err)
				return
			}
			if dup {
				return
			}
			ok, err := store.StartRequest(ctx, "k2", "mock", "refund", req, 0)
			if err != nil {
				t.Errorf("StartRequest: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}

func TestStore_ReleaseRequest(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore()

	store.StartRequest(ctx, "pending", "mock", "refund", nil, 0)
	if err := store.ReleaseRequest(ctx, "pending"); err != nil {
		t.Fatalf("ReleaseRequest: %v", err)
	}
	if ok, _ := store.StartRequest(ctx, "pending", "mock", "refund", nil, 0); !ok {
		t.Error("released key should be claimable")
	}

	store.StartRequest(ctx, "done", "mock", "refund", nil, 0)
	store.CompleteRequest(ctx, "done", map[string]any{"id": "re_1"}, domain.IdempotencyCompleted)
	store.ReleaseRequest(ctx, "done")
	if rec, _ := store.Get(ctx, "done"); rec == nil || rec.Status != domain.IdempotencyCompleted {
		t.Errorf("completed record should survive release, got %+v", rec)
	}
}
