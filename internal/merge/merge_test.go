package merge

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/corpus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	required  = []annotate.Kind{annotate.KindSegmentation, annotate.KindFaces, annotate.KindPose}
	mandatory = []annotate.Kind{annotate.KindSegmentation, annotate.KindFaces}
)

func testClip(id string) corpus.ClipRecord {
	return corpus.ClipRecord{ID: id, Fingerprint: "fp-" + id, Position: 1}
}

func success(kind annotate.Kind) *annotate.Result {
	return annotate.Success(kind, "v1", json.RawMessage(`{"ok":true}`))
}

func TestNotify_IncompleteClipYieldsNothing(t *testing.T) {
	m := New(required, mandatory, testLogger())
	clip := testClip("a")

	if out := m.Notify(clip, success(annotate.KindSegmentation)); out != nil {
		t.Fatal("outcome before all required annotators resolved")
	}
	if out := m.Notify(clip, success(annotate.KindFaces)); out != nil {
		t.Fatal("outcome before all required annotators resolved")
	}
	if m.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", m.Pending())
	}
}

func TestNotify_AllMandatorySucceedEmitsRecord(t *testing.T) {
	m := New(required, mandatory, testLogger())
	clip := testClip("a")

	m.Notify(clip, success(annotate.KindSegmentation))
	m.Notify(clip, success(annotate.KindFaces))
	out := m.Notify(clip, success(annotate.KindPose))

	if out == nil || out.Record == nil {
		t.Fatal("no merged record emitted")
	}
	if out.Dropped != nil {
		t.Fatal("record and dropped both set")
	}
	if len(out.Record.Annotations) != 3 {
		t.Errorf("annotations = %d, want 3", len(out.Record.Annotations))
	}
	if m.Pending() != 0 {
		t.Errorf("Pending() = %d after completion, want 0", m.Pending())
	}
}

func TestNotify_OptionalSkipDoesNotBlockMerge(t *testing.T) {
	m := New(required, mandatory, testLogger())
	clip := testClip("a")

	m.Notify(clip, success(annotate.KindSegmentation))
	m.Notify(clip, success(annotate.KindFaces))
	out := m.Notify(clip, annotate.Skipped(annotate.KindPose, "v1", "no person detected"))

	if out == nil || out.Record == nil {
		t.Fatal("optional skip blocked merge")
	}
	if _, present := out.Record.Annotations[annotate.KindPose]; present {
		t.Error("skipped optional annotator should be absent from the record")
	}
	if len(out.Record.Annotations) != 2 {
		t.Errorf("annotations = %d, want 2", len(out.Record.Annotations))
	}
}

func TestNotify_MandatoryFailureDropsClip(t *testing.T) {
	m := New(required, mandatory, testLogger())
	clip := testClip("a")

	m.Notify(clip, annotate.Skipped(annotate.KindSegmentation, "v1", "unsupported codec"))
	m.Notify(clip, success(annotate.KindFaces))
	out := m.Notify(clip, success(annotate.KindPose))

	if out == nil || out.Dropped == nil {
		t.Fatal("no dropped report for mandatory failure")
	}
	if out.Record != nil {
		t.Fatal("record emitted despite mandatory failure")
	}
	if reason := out.Dropped.Reasons[annotate.KindSegmentation]; reason != "unsupported codec" {
		t.Errorf("reason = %q", reason)
	}
	if len(out.Dropped.Reasons) != 1 {
		t.Errorf("reasons = %d, want 1", len(out.Dropped.Reasons))
	}
}

func TestNotify_AllMandatoryFailuresReported(t *testing.T) {
	m := New(required, mandatory, testLogger())
	clip := testClip("a")

	m.Notify(clip, annotate.Skipped(annotate.KindSegmentation, "v1", "decode: bad header"))
	m.Notify(clip, annotate.Failed(annotate.KindFaces, "v1", "timeout"))
	out := m.Notify(clip, success(annotate.KindPose))

	if out == nil || out.Dropped == nil {
		t.Fatal("no dropped report")
	}
	if len(out.Dropped.Reasons) != 2 {
		t.Errorf("reasons = %d, want 2 (both mandatory failures reported)", len(out.Dropped.Reasons))
	}
}

func TestNotify_IndependentClips(t *testing.T) {
	m := New(required, mandatory, testLogger())
	a, b := testClip("a"), testClip("b")

	m.Notify(a, success(annotate.KindSegmentation))
	m.Notify(b, success(annotate.KindSegmentation))
	m.Notify(a, success(annotate.KindFaces))
	m.Notify(b, annotate.Skipped(annotate.KindFaces, "v1", "oom"))
	outA := m.Notify(a, success(annotate.KindPose))
	outB := m.Notify(b, success(annotate.KindPose))

	if outA == nil || outA.Record == nil {
		t.Error("clip a should merge")
	}
	if outB == nil || outB.Dropped == nil {
		t.Error("clip b should drop")
	}
}

func TestNotify_DuplicateResolutionIgnored(t *testing.T) {
	m := New([]annotate.Kind{annotate.KindSegmentation, annotate.KindFaces}, mandatory, testLogger())
	clip := testClip("a")

	first := success(annotate.KindSegmentation)
	m.Notify(clip, first)
	if out := m.Notify(clip, annotate.Skipped(annotate.KindSegmentation, "v1", "late duplicate")); out != nil {
		t.Fatal("duplicate notification completed the clip")
	}

	out := m.Notify(clip, success(annotate.KindFaces))
	if out == nil || out.Record == nil {
		t.Fatal("clip did not merge")
	}
	if got := out.Record.Annotations[annotate.KindSegmentation]; got != first {
		t.Error("first resolution not kept")
	}
}
