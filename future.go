package intercept

import (
	"context"
	"net/http"
)

// Future is the pending result of handling a request.
// It settles exactly once, with either a response or an error.
type Future struct {
	done chan struct{}
	res  *http.Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(res *http.Response, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future settles and returns its outcome.
func (f *Future) Result() (*http.Response, error) {
	<-f.done
	return f.res, f.err
}

// Wait is like Result but gives up when ctx is done.
// Giving up does not stop the handler, it keeps running to completion.
func (f *Future) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
