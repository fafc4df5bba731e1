package browser

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
)

// Launcher starts and stops one browser per automation run
type Launcher interface {
	Launch(ctx context.Context, runID string) (*Instance, error)
	Stop(ctx context.Context, inst *Instance) error
	Close() error
}

// Instance is a running browser a run can drive
type Instance struct {
	RunID       string
	ContainerID string // empty for local browsers
	ConnectURL  string // CDP websocket endpoint, empty for local browsers

	allocate func(ctx context.Context) (context.Context, context.CancelFunc)
}

// Allocator returns a chromedp allocator context bound to this browser
func (i *Instance) Allocator(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.allocate != nil {
		return i.allocate(ctx)
	}
	return chromedp.NewRemoteAllocator(ctx, i.ConnectURL)
}

const readyPoll = 500 * time.Millisecond

// waitForBrowserReady polls the DevTools /json/version endpoint until it
// answers 200 or ctx ends
func waitForBrowserReady(ctx context.Context, client *http.Client, baseURL string) error {
	url := baseURL + "/json/version"
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("browser did not become ready after %d attempts: %w", attempts, ctx.Err())
		case <-ticker.C:
		}
	}
}
