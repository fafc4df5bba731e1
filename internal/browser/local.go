package browser

import (
	"context"

	"github.com/chromedp/chromedp"
)

// LocalLauncher runs Chrome on the worker host through chromedp's exec allocator
type LocalLauncher struct {
	opts []chromedp.ExecAllocatorOption
}

// NewLocalLauncher creates a launcher for a headless local Chrome.
// execPath may be empty to let chromedp find the binary.
func NewLocalLauncher(execPath string, headless bool) *LocalLauncher {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1280, 900),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	return &LocalLauncher{opts: opts}
}

// Launch returns an instance whose allocator starts Chrome on first use
func (l *LocalLauncher) Launch(_ context.Context, runID string) (*Instance, error) {
	return &Instance{
		RunID: runID,
		allocate: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return chromedp.NewExecAllocator(ctx, l.opts...)
		},
	}, nil
}

// Stop is a no-op; cancelling the allocator context kills the process
func (l *LocalLauncher) Stop(context.Context, *Instance) error {
	return nil
}

// Close is a no-op
func (l *LocalLauncher) Close() error {
	return nil
}
