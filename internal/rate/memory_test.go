package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	l := NewMemoryLimiter(3, time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip:1.2.3.4")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}

	res, err := l.Allow(ctx, "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth hit should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("retry after should be positive, got %v", res.RetryAfter)
	}

	// Otra clave no comparte ventana.
	res, _ = l.Allow(ctx, "ip:5.6.7.8")
	if !res.Allowed {
		t.Fatal("different key should have its own window")
	}

	// Ventana siguiente: contador de cero.
	base = base.Add(time.Minute)
	res, _ = l.Allow(ctx, "ip:1.2.3.4")
	if !res.Allowed {
		t.Fatal("new window should reset the counter")
	}
}
