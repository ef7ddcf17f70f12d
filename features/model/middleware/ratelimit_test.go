package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline.dev/waveline/runtime/model"
)

type stubClient struct {
	errs  []error
	calls int
}

func (c *stubClient) Complete(context.Context, model.Request) (model.Response, error) {
	c.calls++
	if len(c.errs) == 0 {
		return model.Response{Text: "ok"}, nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	if err != nil {
		return model.Response{}, err
	}
	return model.Response{Text: "ok"}, nil
}

func textRequest(text string) model.Request {
	return model.Request{Messages: []model.Message{{
		Role:  model.RoleUser,
		Parts: []model.Part{model.TextPart{Text: text}},
	}}}
}

func TestDefaults(t *testing.T) {
	l := NewAdaptiveRateLimiter(0, 0)
	assert.Equal(t, 60000.0, l.CurrentTPM())
}

func TestBackoffHalvesBudget(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	stub := &stubClient{errs: []error{model.ErrRateLimited}}
	cl := l.Middleware()(stub)

	_, err := cl.Complete(context.Background(), textRequest("hi"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	assert.Equal(t, 30000.0, l.CurrentTPM())
}

func TestBackoffFloorsAtMinimum(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	stub := &stubClient{}
	for i := 0; i < 20; i++ {
		stub.errs = append(stub.errs, model.ErrRateLimited)
	}
	cl := l.Middleware()(stub)

	for i := 0; i < 20; i++ {
		_, _ = cl.Complete(context.Background(), textRequest("hi"))
	}
	// Repeated halving stops at 10% of the initial budget.
	assert.Equal(t, 6000.0, l.CurrentTPM())
}

func TestSuccessRecoversAdditively(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	stub := &stubClient{errs: []error{model.ErrRateLimited, nil, nil}}
	cl := l.Middleware()(stub)
	ctx := context.Background()

	_, _ = cl.Complete(ctx, textRequest("hi"))
	require.Equal(t, 30000.0, l.CurrentTPM())

	// Each success adds 5% of the initial budget back.
	_, err := cl.Complete(ctx, textRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, 33000.0, l.CurrentTPM())
	_, err = cl.Complete(ctx, textRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, 36000.0, l.CurrentTPM())
}

func TestRecoveryCapsAtMax(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	stub := &stubClient{}
	cl := l.Middleware()(stub)

	for i := 0; i < 5; i++ {
		_, err := cl.Complete(context.Background(), textRequest("hi"))
		require.NoError(t, err)
	}
	assert.Equal(t, 60000.0, l.CurrentTPM())
}

func TestNonRateLimitErrorsLeaveBudget(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	stub := &stubClient{errs: []error{model.ErrUnavailable, errors.New("boom")}}
	cl := l.Middleware()(stub)
	ctx := context.Background()

	_, err := cl.Complete(ctx, textRequest("hi"))
	require.ErrorIs(t, err, model.ErrUnavailable)
	assert.Equal(t, 60000.0, l.CurrentTPM())

	_, err = cl.Complete(ctx, textRequest("hi"))
	require.Error(t, err)
	assert.Equal(t, 60000.0, l.CurrentTPM())
}

func TestWaitRespectsCancelledContext(t *testing.T) {
	// A tiny budget cannot cover the estimated cost in one burst, so the
	// wait blocks and the cancelled context unblocks it.
	l := NewAdaptiveRateLimiter(60, 60)
	stub := &stubClient{}
	cl := l.Middleware()(stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cl.Complete(ctx, textRequest(strings.Repeat("x", 10000)))
	require.Error(t, err)
	assert.Zero(t, stub.calls)
}

func TestEstimateTokens(t *testing.T) {
	// Empty requests still cost the framing minimum.
	assert.Equal(t, 500, estimateTokens(model.Request{}))

	req := textRequest(strings.Repeat("x", 300))
	req.System = strings.Repeat("s", 150)
	req.Messages = append(req.Messages, model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.ToolResultPart{Content: strings.Repeat("r", 150)}},
	})
	// 600 chars at 3 chars per token plus the 500 buffer.
	assert.Equal(t, 700, estimateTokens(req))
}

func TestMiddlewareNilClient(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	assert.Nil(t, l.Middleware()(nil))
}
