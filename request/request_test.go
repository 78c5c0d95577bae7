package request

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/risa-org/chatmux/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorFrameReappendsQueryAndFragment(t *testing.T) {
	d := Descriptor{Method: "GET", URL: "v1/profile/abc?credentialType=expiringProfileKey#frag"}

	req, err := d.Frame(99)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Verb)
	assert.Equal(t, "/v1/profile/abc?credentialType=expiringProfileKey#frag", req.Path)
	assert.Equal(t, uint64(99), req.ID)
	assert.Nil(t, req.Body)
}

func TestDescriptorFrameEncodesParametersAsJSON(t *testing.T) {
	h := http.Header{}
	h.Set("X-Custom", "1")
	d := Descriptor{
		Method:     "PUT",
		URL:        "/v1/messages/x",
		Headers:    h,
		Parameters: map[string]any{"online": true},
	}

	req, err := d.Frame(1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":true}`, string(req.Body))
	ct, ok := frame.Header(req.Headers, "Content-Type")
	assert.True(t, ok)
	assert.Equal(t, "application/json", ct)
	assert.Empty(t, h.Get("Content-Type"), "caller headers must not be mutated")
}

func TestDescriptorFrameRawBodyWins(t *testing.T) {
	d := Descriptor{Method: "PUT", URL: "v1/x", Body: []byte("raw"), Parameters: map[string]any{"a": 1}}
	req, err := d.Frame(1)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(req.Body))
	_, ok := frame.Header(req.Headers, "Content-Type")
	assert.False(t, ok)
}

func TestDescriptorFrameRejectsMalformed(t *testing.T) {
	for name, d := range map[string]Descriptor{
		"no method":     {URL: "v1/x"},
		"no target":     {Method: "GET"},
		"absolute url":  {Method: "GET", URL: "https://evil.example/v1/x"},
		"unencodable":   {Method: "PUT", URL: "v1/x", Parameters: map[string]any{"c": make(chan int)}},
		"blank method":  {Method: "  ", URL: "v1/x"},
		"bad url parse": {Method: "GET", URL: "%zz"},
	} {
		_, err := d.Frame(1)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
}

func TestTicketCompletesExactlyOnce(t *testing.T) {
	// race success, failure and teardown against each other many times
	for round := 0; round < 200; round++ {
		var successes, failures int32
		tk := NewTicket(uint64(round), Descriptor{}, func(Response) {
			atomic.AddInt32(&successes, 1)
		}, func(error) {
			atomic.AddInt32(&failures, 1)
		})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				time.Sleep(time.Duration(rand.Intn(50)) * time.Microsecond)
				if i%2 == 0 {
					tk.Succeed(Response{Status: 200})
				} else {
					tk.Fail(NewNetworkFailure(FailureTeardown, nil))
				}
			}(i)
		}
		wg.Wait()

		require.True(t, tk.Complete())
		require.Equal(t, int32(1), successes+failures, "round %d", round)
	}
}

func TestTicketCompletionStopsTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	tk := NewTicket(1, Descriptor{}, nil, nil)
	tk.SetTimer(time.AfterFunc(30*time.Millisecond, func() { fired <- struct{}{} }))

	assert.True(t, tk.Succeed(Response{}))
	assert.False(t, tk.Fail(errors.New("late")))

	select {
	case <-fired:
		t.Fatal("timer should have been stopped on completion")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestErrorTaxonomy(t *testing.T) {
	nf := NewNetworkFailure(FailureTimeout, context.DeadlineExceeded)
	assert.ErrorIs(t, nf, ErrNetworkFailure)
	assert.ErrorIs(t, nf, context.DeadlineExceeded)
	assert.Contains(t, nf.Error(), "timeout")

	var err error = &ServiceResponseError{Status: 413}
	status, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, 413, status)
	assert.NotErrorIs(t, err, ErrNetworkFailure)

	_, ok = StatusCode(ErrInvalidAppState)
	assert.False(t, ok)
}

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()
	assert.True(t, f.Resolve(Response{Status: 204}, nil))
	assert.False(t, f.Resolve(Response{}, errors.New("second")))

	resp, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
}

func TestFutureAwaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewFuture().Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
