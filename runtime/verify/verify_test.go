package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline.dev/waveline/runtime/model"
	"waveline.dev/waveline/runtime/task"
)

type stubClient struct {
	lastRequest model.Request
	resp        model.Response
	err         error
}

func (s *stubClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	s.lastRequest = req
	return s.resp, s.err
}

type stubRecorder struct {
	records []*task.UsageRecord
	err     error
}

func (s *stubRecorder) Record(_ context.Context, rec *task.UsageRecord) error {
	s.records = append(s.records, rec)
	return s.err
}

type fixedPricer float64

func (p fixedPricer) Cost(context.Context, string, int, int) float64 { return float64(p) }

func newVerifier(t *testing.T, client *stubClient, rec *stubRecorder) *Verifier {
	t.Helper()
	v, err := New(Options{
		Client: client,
		Model:  "claude-haiku-4-5-20251001",
		Budget: rec,
		Pricer: fixedPricer(0.002),
	})
	require.NoError(t, err)
	return v
}

func sampleTask() *task.Task {
	return &task.Task{
		ID:          "t1",
		ProjectID:   "p1",
		Title:       "sum",
		Description: "compute 2+3",
		Output:      "5",
	}
}

func TestNewValidation(t *testing.T) {
	base := Options{
		Client: &stubClient{},
		Model:  "m",
		Budget: &stubRecorder{},
		Pricer: fixedPricer(0),
	}
	for name, tweak := range map[string]func(*Options){
		"missing client": func(o *Options) { o.Client = nil },
		"missing model":  func(o *Options) { o.Model = "" },
		"missing budget": func(o *Options) { o.Budget = nil },
		"missing pricer": func(o *Options) { o.Pricer = nil },
	} {
		opts := base
		tweak(&opts)
		_, err := New(opts)
		require.Error(t, err, name)
	}
	_, err := New(base)
	require.NoError(t, err)
}

func TestVerifyVerdicts(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		want      task.VerificationResult
		wantNotes string
	}{
		{"passed", `{"verdict":"passed","notes":"looks solid"}`, task.VerificationPassed, "looks solid"},
		{"gaps", `{"verdict":"gaps_found","notes":"output is a stub"}`, task.VerificationGapsFound, "output is a stub"},
		{"human", `{"verdict":"human_needed","notes":"requirements conflict"}`, task.VerificationHumanNeeded, "requirements conflict"},
		// Unknown verdict strings pass rather than block completion.
		{"unknown verdict", `{"verdict":"meh","notes":"shrug"}`, task.VerificationPassed, "shrug"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client := &stubClient{resp: model.Response{
				Text:  c.raw,
				Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20},
			}}
			rec := &stubRecorder{}
			v := newVerifier(t, client, rec)

			out, err := v.Verify(context.Background(), sampleTask())
			require.NoError(t, err)
			assert.Equal(t, c.want, out.Result)
			assert.Equal(t, c.wantNotes, out.Notes)
			assert.InDelta(t, 0.002, out.CostUSD, 1e-9)
		})
	}
}

func TestVerifyRecordsSpend(t *testing.T) {
	client := &stubClient{resp: model.Response{
		Text:  `{"verdict":"passed","notes":""}`,
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}}
	rec := &stubRecorder{}
	v := newVerifier(t, client, rec)

	_, err := v.Verify(context.Background(), sampleTask())
	require.NoError(t, err)

	require.Len(t, rec.records, 1)
	usage := rec.records[0]
	assert.Equal(t, "verification", usage.Purpose)
	assert.Equal(t, "p1", usage.ProjectID)
	assert.Equal(t, "t1", usage.TaskID)
	assert.Equal(t, "anthropic", usage.Provider)
	assert.Equal(t, 100, usage.PromptTokens)
	assert.Equal(t, 20, usage.CompletionTokens)
	assert.InDelta(t, 0.002, usage.CostUSD, 1e-9)
}

func TestVerifyPromptAssembly(t *testing.T) {
	client := &stubClient{resp: model.Response{Text: `{"verdict":"passed"}`}}
	v := newVerifier(t, client, &stubRecorder{})

	_, err := v.Verify(context.Background(), sampleTask())
	require.NoError(t, err)

	req := client.lastRequest
	assert.Equal(t, "claude-haiku-4-5-20251001", req.Model)
	assert.Equal(t, 1024, req.MaxTokens)
	assert.Contains(t, req.System, "task output verifier")
	require.Len(t, req.Messages, 1)
	text := req.Messages[0].Parts[0].(model.TextPart).Text
	assert.Contains(t, text, "## Task: sum")
	assert.Contains(t, text, "compute 2+3")
	assert.Contains(t, text, "\n5")
}

func TestVerifyEmptyOutputPlaceholder(t *testing.T) {
	client := &stubClient{resp: model.Response{Text: `{"verdict":"gaps_found","notes":"empty"}`}}
	v := newVerifier(t, client, &stubRecorder{})

	tk := sampleTask()
	tk.Output = ""
	_, err := v.Verify(context.Background(), tk)
	require.NoError(t, err)
	text := client.lastRequest.Messages[0].Parts[0].(model.TextPart).Text
	assert.Contains(t, text, "(empty)")
}

func TestVerifyUnparseableEscalates(t *testing.T) {
	client := &stubClient{resp: model.Response{Text: "Sure! Here is my verdict: passed."}}
	v := newVerifier(t, client, &stubRecorder{})

	out, err := v.Verify(context.Background(), sampleTask())
	require.NoError(t, err)
	assert.Equal(t, task.VerificationHumanNeeded, out.Result)
	assert.Contains(t, out.Notes, "not parseable")
}

func TestVerifyPropagatesErrors(t *testing.T) {
	boom := errors.New("model offline")
	v := newVerifier(t, &stubClient{err: boom}, &stubRecorder{})
	_, err := v.Verify(context.Background(), sampleTask())
	require.ErrorIs(t, err, boom)

	ledger := errors.New("ledger closed")
	client := &stubClient{resp: model.Response{Text: `{"verdict":"passed"}`}}
	v = newVerifier(t, client, &stubRecorder{err: ledger})
	_, err = v.Verify(context.Background(), sampleTask())
	require.ErrorIs(t, err, ledger)
}
