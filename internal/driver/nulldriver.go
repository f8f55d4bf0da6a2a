package driver

import "context"

// NullDriver is a minimal in-memory Driver used by tests: every Query
// immediately produces one FragmentText echoing the input followed by a
// FragmentResult, without any external process involved.
type NullDriver struct {
	connected bool
	queued    []Fragment
}

// NewNullDriver builds a NullDriver.
func NewNullDriver() *NullDriver {
	return &NullDriver{}
}

func (d *NullDriver) Connect(ctx context.Context) error {
	d.connected = true
	return nil
}

func (d *NullDriver) Disconnect(ctx context.Context) error {
	d.connected = false
	return nil
}

func (d *NullDriver) Query(ctx context.Context, text string) error {
	d.queued = []Fragment{
		{Kind: FragmentText, Text: "echo: " + text},
		{Kind: FragmentResult, Result: "echo: " + text, CostUSD: 0.0001, InputTokens: int64(len(text)), OutputTokens: int64(len(text))},
	}
	return nil
}

func (d *NullDriver) ReceiveResponse(ctx context.Context) (<-chan Fragment, error) {
	ch := make(chan Fragment, len(d.queued))
	for _, f := range d.queued {
		ch <- f
	}
	close(ch)
	d.queued = nil
	return ch, nil
}

func (d *NullDriver) Interrupt(ctx context.Context) error {
	return nil
}
