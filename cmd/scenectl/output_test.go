package main

import (
	"bytes"
	"testing"

	"cineshorts/internal/domain"
	"cineshorts/internal/lifecycle"

	"github.com/google/go-cmp/cmp"
)

func TestPrintScenes(t *testing.T) {
	id := 1
	snap := lifecycle.Snapshot{
		Result: &domain.DetectionResult{
			Filename:   "a.mp4",
			SceneCount: 2,
			FromCache:  true,
			Scenes: []domain.Scene{
				{SceneID: &id, StartSec: 0, DurationSec: 2.5},
				{StartSec: 2.5, DurationSec: 1.25},
			},
		},
		PageNumber: 1,
		PageSize:   12,
		TotalPages: 1,
	}

	var buf bytes.Buffer
	printScenes(&buf, snap, 1)

	want := "a.mp4: 2 scenes (cached)\n" +
		"#  START  END   DURATION\n" +
		"1  0.00   2.50  2.50\n" +
		"2  2.50   3.75  1.25\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("printScenes mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintScenes_ClampsPage(t *testing.T) {
	scenes := make([]domain.Scene, 5)
	for i := range scenes {
		scenes[i] = domain.Scene{StartSec: float64(i), DurationSec: 1}
	}
	pt := 0.5
	snap := lifecycle.Snapshot{
		Result:     &domain.DetectionResult{Filename: "b.mp4", SceneCount: 5, Scenes: scenes, ProcessingTimeSec: &pt},
		PageSize:   2,
		TotalPages: 3,
	}

	var buf bytes.Buffer
	printScenes(&buf, snap, 10)

	want := "b.mp4: 5 scenes (detected) in 0.50s\n" +
		"#  START  END   DURATION\n" +
		"5  4.00   5.00  1.00\n" +
		"page 3/3\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("printScenes mismatch (-want +got):\n%s", diff)
	}
}
