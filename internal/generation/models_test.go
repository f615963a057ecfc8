package generation

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

func TestModelCost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model    string
		images   int
		duration float64
		want     int64
	}{
		{model: "fal-ai/flux/schnell", want: 1},
		{model: "fal-ai/flux/dev", images: 3, want: 3},
		{model: "fal-ai/kling-video/v1.6/standard/text-to-video", want: 10},
		{model: "fal-ai/kling-video/v1.6/standard/text-to-video", duration: 10, want: 20},
		{model: "fal-ai/minimax/video-01", want: 9},
	}
	for _, tc := range cases {
		m, ok := LookupModel(tc.model)
		if !ok {
			t.Fatalf("model %s not found", tc.model)
		}
		req, err := m.normalize(SubmitRequest{Model: tc.model, Prompt: "x", NumImages: tc.images, DurationSeconds: tc.duration})
		if err != nil {
			t.Fatalf("normalize(%s): %v", tc.model, err)
		}
		if got := m.Cost(req); got != tc.want {
			t.Fatalf("Cost(%s, images=%d, duration=%v)=%d want %d", tc.model, tc.images, tc.duration, got, tc.want)
		}
	}
}

func TestMinChargeApplies(t *testing.T) {
	t.Parallel()

	m, _ := LookupModel("fal-ai/kling-video/v1.6/standard/text-to-video")
	m.MinCharge = 50
	if got := m.Cost(SubmitRequest{DurationSeconds: 5}); got != 50 {
		t.Fatalf("Cost=%d want 50", got)
	}
}

func TestBuildInput_ModelSpecificParams(t *testing.T) {
	t.Parallel()

	flux, _ := LookupModel("fal-ai/flux/dev")
	req, err := flux.normalize(SubmitRequest{Prompt: "a cat", NegativePrompt: "blurry", NumImages: 2, Options: map[string]any{"image_size": "square_hd"}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	in, err := flux.BuildInput(req)
	if err != nil {
		t.Fatalf("BuildInput: %v", err)
	}
	doc := gjson.ParseBytes(in)
	if doc.Get("prompt").String() != "a cat" || doc.Get("negative_prompt").String() != "blurry" {
		t.Fatalf("input=%s", in)
	}
	if doc.Get("num_images").Int() != 2 || doc.Get("num_inference_steps").Int() != 28 {
		t.Fatalf("input=%s", in)
	}
	if doc.Get("image_size").String() != "square_hd" {
		t.Fatalf("user option should win over default: %s", in)
	}

	kling, _ := LookupModel("fal-ai/kling-video/v1.6/standard/text-to-video")
	req, err = kling.normalize(SubmitRequest{Prompt: "waves", DurationSeconds: 10})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	in, err = kling.BuildInput(req)
	if err != nil {
		t.Fatalf("BuildInput: %v", err)
	}
	doc = gjson.ParseBytes(in)
	if d := doc.Get("duration"); d.Type != gjson.String || d.String() != "10" {
		t.Fatalf("kling duration should be a string enum: %s", in)
	}
	if doc.Get("aspect_ratio").String() != "16:9" {
		t.Fatalf("input=%s", in)
	}

	pro, _ := LookupModel("fal-ai/flux-pro/v1.1")
	in, err = pro.BuildInput(SubmitRequest{Prompt: "x", NegativePrompt: "y", NumImages: 1})
	if err != nil {
		t.Fatalf("BuildInput: %v", err)
	}
	if gjson.GetBytes(in, "negative_prompt").Exists() {
		t.Fatalf("flux-pro must drop negative_prompt: %s", in)
	}
}

func TestBuildInput_RejectsReservedKeys(t *testing.T) {
	t.Parallel()

	m, _ := LookupModel("fal-ai/flux/schnell")
	_, err := m.BuildInput(SubmitRequest{Prompt: "x", NumImages: 1, Options: map[string]any{"num_images": 4}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	if got := ErrorCode(ErrInsufficientCredits); got != "insufficient_credits" {
		t.Fatalf("got %q", got)
	}
	if got := ErrorCode(errors.Join(ErrProvider, errors.New("x"))); got != CodeProviderError {
		t.Fatalf("got %q", got)
	}
	if got := ErrorCode(errors.New("x")); got != "internal_error" {
		t.Fatalf("got %q", got)
	}
}
