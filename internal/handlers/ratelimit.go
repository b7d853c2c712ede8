package handlers

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kestrelops/opqueue/internal/interfaces"
)

// rateLimitedDriver wraps an ERPDriver with a per-user token bucket, since a
// single ERP automation seat per user can only sustain so many concurrent
// page loads before the remote UI itself starts failing logins.
type rateLimitedDriver struct {
	inner interfaces.ERPDriver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// RateLimitedDriver returns an ERPDriver that throttles calls per userID to
// rps requests/second with the given burst, delegating everything else to
// inner.
func RateLimitedDriver(inner interfaces.ERPDriver, rps float64, burst int) interfaces.ERPDriver {
	return &rateLimitedDriver{
		inner:    inner,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (d *rateLimitedDriver) limiterFor(userID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[userID]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[userID] = l
	}
	return l
}

func (d *rateLimitedDriver) wait(ctx context.Context, userID string) error {
	return d.limiterFor(userID).Wait(ctx)
}

func (d *rateLimitedDriver) Login(ctx context.Context, userID string) error {
	if err := d.wait(ctx, userID); err != nil {
		return err
	}
	return d.inner.Login(ctx, userID)
}

func (d *rateLimitedDriver) DownloadPDF(ctx context.Context, userID, kind string) ([]byte, error) {
	if err := d.wait(ctx, userID); err != nil {
		return nil, err
	}
	return d.inner.DownloadPDF(ctx, userID, kind)
}

func (d *rateLimitedDriver) SubmitOrder(ctx context.Context, userID string, payload []byte) (string, error) {
	if err := d.wait(ctx, userID); err != nil {
		return "", err
	}
	return d.inner.SubmitOrder(ctx, userID, payload)
}

func (d *rateLimitedDriver) CreateCustomer(ctx context.Context, userID string, payload []byte) (string, error) {
	if err := d.wait(ctx, userID); err != nil {
		return "", err
	}
	return d.inner.CreateCustomer(ctx, userID, payload)
}

func (d *rateLimitedDriver) SendToRemote(ctx context.Context, userID string, payload []byte) (string, error) {
	if err := d.wait(ctx, userID); err != nil {
		return "", err
	}
	return d.inner.SendToRemote(ctx, userID, payload)
}

func (d *rateLimitedDriver) SyncSnapshot(ctx context.Context, userID, kind string) ([]byte, error) {
	if err := d.wait(ctx, userID); err != nil {
		return nil, err
	}
	return d.inner.SyncSnapshot(ctx, userID, kind)
}

var _ interfaces.ERPDriver = (*rateLimitedDriver)(nil)
