package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framewitness/internal/confidence"
	"framewitness/internal/evidence"
	"framewitness/internal/logging"
	"framewitness/internal/signals"
	"framewitness/internal/status"
	"framewitness/internal/verify"
)

func sample(t *testing.T, broken bool) *evidence.Evidence {
	t.Helper()
	res := &verify.Result{
		Status:            status.Pass,
		ChainIntact:       true,
		AttestationValid:  true,
		VerifiedFrames:    300,
		TotalFrames:       300,
		FrameCountChecked: true,
		AnalysisSource:    verify.SourceServer,
		Mode:              verify.ModeFullMedia,
		Checkpoints: []verify.CheckpointResult{
			{Index: 0, FrameNumber: 150, HashMatches: true, Signed: true, SignatureValid: true, Counter: 4},
		},
	}
	if broken {
		at := uint64(42)
		res.Status, res.ChainIntact, res.BrokenAtFrame = status.Fail, false, &at
		res.VerifiedFrames = 0
		res.Errors = []string{"verify: chain does not recompute: at frame 42"}
	}
	a := evidence.NewAssembler(
		evidence.WithLogger(logging.Discard().Logger),
		evidence.WithClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }),
		evidence.WithIDFunc(func() string { return "ev-report" }))
	ev, err := a.Assemble(context.Background(), evidence.Input{
		CaptureID: "capture-9",
		DeviceID:  "device-9",
		Mode:      verify.ModeFullMedia,
		Hardware:  confidence.HardwareCheck{Status: status.Pass},
		Chain:     res,
		Signals: []signals.Result{{
			Type: signals.TypeMoire, Status: status.Pass, Confidence: 0.8,
			AlgorithmVersion: "moire/1", Source: signals.SourceServer,
		}},
	})
	require.NoError(t, err)
	return ev
}

func TestTextReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewGenerator(FormatText).Generate(sample(t, false), &buf))
	out := buf.String()

	assert.Contains(t, out, "CAPTURE EVIDENCE REPORT")
	assert.Contains(t, out, "capture-9")
	assert.Contains(t, out, "300 of 300 verified")
	assert.Contains(t, out, "[OK] moire")
	assert.Contains(t, out, "[--] depth")
	assert.NotContains(t, out, "checkpoint 0")
}

func TestTextReportVerbose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewGenerator(FormatText).WithVerbose(true).Generate(sample(t, true), &buf))
	out := buf.String()

	assert.Contains(t, out, "Broken At:       frame 42")
	assert.Contains(t, out, "checkpoint 0 @150 frames")
	assert.Contains(t, out, "error: verify: chain does not recompute")
}

func TestMarkdownReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewGenerator(FormatMarkdown).Generate(sample(t, false), &buf))
	out := buf.String()

	assert.Contains(t, out, "# Capture Evidence Report")
	assert.Contains(t, out, "| moire | pass |")
	assert.Contains(t, out, "`capture-9`")
}

func TestJSONReportIsEvidence(t *testing.T) {
	ev := sample(t, false)
	var buf bytes.Buffer
	require.NoError(t, NewGenerator(FormatJSON).Generate(ev, &buf))

	parsed, err := evidence.Parse(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, ev.ID(), parsed.ID())

	list, err := JSON([]*evidence.Evidence{ev, ev})
	require.NoError(t, err)
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(list, &raw))
	assert.Len(t, raw, 2)
}

func TestSummary(t *testing.T) {
	s := Summary(sample(t, true))
	assert.Contains(t, s, "capture capture-9")
	assert.Contains(t, s, "chain fail")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "md": FormatMarkdown, "JSON": FormatJSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
}
