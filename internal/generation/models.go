package generation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/sjson"

	"genforge/internal/store"
)

// Model 描述一个可用模型的计价方式与入参适配；新增模型只需要在 modelTable 里加一项。
type Model struct {
	ID        string
	MediaType string

	// 图片：按张计费，每次最多 MaxImages 张。
	MaxImages int

	// 视频：ceil(RatePerSecond × 时长)，不足 MinCharge 按 MinCharge 计。
	RatePerSecond   decimal.Decimal
	MinCharge       int64
	Durations       []float64
	DefaultDuration float64

	// adapt 在通用字段（prompt 等）写好之后补充模型特有的参数。
	adapt func(in []byte, req SubmitRequest) ([]byte, error)
}

var modelTable = map[string]Model{
	"fal-ai/flux/schnell": {
		ID: "fal-ai/flux/schnell", MediaType: store.MediaTypeImage, MaxImages: 4,
		adapt: fluxAdapter(4),
	},
	"fal-ai/flux/dev": {
		ID: "fal-ai/flux/dev", MediaType: store.MediaTypeImage, MaxImages: 4,
		adapt: fluxAdapter(28),
	},
	"fal-ai/flux-pro/v1.1": {
		ID: "fal-ai/flux-pro/v1.1", MediaType: store.MediaTypeImage, MaxImages: 4,
		adapt: func(in []byte, req SubmitRequest) ([]byte, error) {
			in, err := setDefault(in, "image_size", "landscape_4_3", req)
			if err != nil {
				return nil, err
			}
			// flux-pro 不支持 negative_prompt。
			in, err = sjson.DeleteBytes(in, "negative_prompt")
			if err != nil {
				return nil, err
			}
			return sjson.SetBytes(in, "safety_tolerance", "2")
		},
	},
	"fal-ai/kling-video/v1.6/standard/text-to-video": {
		ID: "fal-ai/kling-video/v1.6/standard/text-to-video", MediaType: store.MediaTypeVideo,
		RatePerSecond: decimal.NewFromInt(2), MinCharge: 10, Durations: []float64{5, 10}, DefaultDuration: 5,
		adapt: func(in []byte, req SubmitRequest) ([]byte, error) {
			// kling 的 duration 是字符串枚举。
			in, err := sjson.SetBytes(in, "duration", strconv.FormatFloat(req.DurationSeconds, 'f', -1, 64))
			if err != nil {
				return nil, err
			}
			return setDefault(in, "aspect_ratio", "16:9", req)
		},
	},
	"fal-ai/minimax/video-01": {
		ID: "fal-ai/minimax/video-01", MediaType: store.MediaTypeVideo,
		RatePerSecond: decimal.RequireFromString("1.5"), MinCharge: 8, Durations: []float64{6}, DefaultDuration: 6,
		adapt: func(in []byte, req SubmitRequest) ([]byte, error) {
			in, err := sjson.DeleteBytes(in, "negative_prompt")
			if err != nil {
				return nil, err
			}
			return setDefault(in, "prompt_optimizer", true, req)
		},
	},
}

func fluxAdapter(defaultSteps int) func(in []byte, req SubmitRequest) ([]byte, error) {
	return func(in []byte, req SubmitRequest) ([]byte, error) {
		in, err := sjson.SetBytes(in, "num_images", req.NumImages)
		if err != nil {
			return nil, err
		}
		in, err = setDefault(in, "image_size", "landscape_4_3", req)
		if err != nil {
			return nil, err
		}
		return setDefault(in, "num_inference_steps", defaultSteps, req)
	}
}

// setDefault 仅在用户未通过 Options 指定时写入默认值。
func setDefault(in []byte, key string, value any, req SubmitRequest) ([]byte, error) {
	if _, ok := req.Options[key]; ok {
		return in, nil
	}
	return sjson.SetBytes(in, key, value)
}

// LookupModel 返回模型定义；未知模型返回 false。
func LookupModel(id string) (Model, bool) {
	m, ok := modelTable[strings.TrimSpace(id)]
	return m, ok
}

// Models 按 id 排序返回全部模型（用于前端展示价格）。
func Models() []Model {
	out := make([]Model, 0, len(modelTable))
	for _, m := range modelTable {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// normalize 补全默认值并校验媒体相关参数，返回规范化后的请求。
func (m Model) normalize(req SubmitRequest) (SubmitRequest, error) {
	switch m.MediaType {
	case store.MediaTypeImage:
		if req.NumImages == 0 {
			req.NumImages = 1
		}
		if req.NumImages < 1 || req.NumImages > m.MaxImages {
			return req, fmt.Errorf("%w: num_images 需在 1-%d 之间", ErrValidation, m.MaxImages)
		}
		req.DurationSeconds = 0
	case store.MediaTypeVideo:
		if req.DurationSeconds == 0 {
			req.DurationSeconds = m.DefaultDuration
		}
		allowed := false
		for _, d := range m.Durations {
			if d == req.DurationSeconds {
				allowed = true
				break
			}
		}
		if !allowed {
			return req, fmt.Errorf("%w: 不支持的视频时长 %v 秒", ErrValidation, req.DurationSeconds)
		}
		req.NumImages = 0
	}
	return req, nil
}

// Cost 计算任务消耗的积分：图片按张数，视频按时长计价并有最低收费。
func (m Model) Cost(req SubmitRequest) int64 {
	if m.MediaType == store.MediaTypeImage {
		return int64(req.NumImages)
	}
	c := m.RatePerSecond.Mul(decimal.NewFromFloat(req.DurationSeconds)).Ceil().IntPart()
	if c < m.MinCharge {
		c = m.MinCharge
	}
	return c
}

var optionKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// 这些字段由服务端写入，不允许通过 Options 覆盖。
var reservedOptionKeys = map[string]bool{
	"prompt":          true,
	"negative_prompt": true,
	"num_images":      true,
	"duration":        true,
}

// BuildInput 组装上游请求体：通用字段 -> 用户 Options -> 模型适配。
func (m Model) BuildInput(req SubmitRequest) ([]byte, error) {
	in := []byte(`{}`)
	in, err := sjson.SetBytes(in, "prompt", req.Prompt)
	if err != nil {
		return nil, err
	}
	if req.NegativePrompt != "" {
		if in, err = sjson.SetBytes(in, "negative_prompt", req.NegativePrompt); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !optionKeyRe.MatchString(k) || reservedOptionKeys[k] {
			return nil, fmt.Errorf("%w: 不支持的参数 %q", ErrValidation, k)
		}
		if in, err = sjson.SetBytes(in, k, req.Options[k]); err != nil {
			return nil, fmt.Errorf("%w: 参数 %q 无法编码", ErrValidation, k)
		}
	}
	if m.adapt != nil {
		if in, err = m.adapt(in, req); err != nil {
			return nil, fmt.Errorf("组装上游参数失败: %w", err)
		}
	}
	return in, nil
}
