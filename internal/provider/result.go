package provider

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseResult 解析上游结果负载：兼容 images[]、image、video、audio 几种形状。
func ParseResult(raw []byte) Result {
	doc := gjson.ParseBytes(raw)
	out := Result{Raw: json.RawMessage(append([]byte(nil), raw...))}

	nsfw := doc.Get("has_nsfw_concepts").Array()
	doc.Get("images").ForEach(func(key, value gjson.Result) bool {
		if f, ok := parseMediaFile(value); ok {
			i := int(key.Int())
			if i < len(nsfw) {
				f.NSFW = nsfw[i].Bool()
			}
			out.Media = append(out.Media, f)
		}
		return true
	})
	for _, path := range []string{"image", "video", "audio"} {
		if v := doc.Get(path); v.IsObject() {
			if f, ok := parseMediaFile(v); ok {
				out.Media = append(out.Media, f)
			}
		}
	}
	if v := doc.Get("seed"); v.Exists() && v.Type == gjson.Number {
		n := v.Int()
		out.Seed = &n
	}
	return out
}

func parseMediaFile(v gjson.Result) (MediaFile, bool) {
	u := strings.TrimSpace(v.Get("url").String())
	if u == "" {
		return MediaFile{}, false
	}
	f := MediaFile{
		URL:         u,
		ContentType: strings.TrimSpace(v.Get("content_type").String()),
		FileSize:    v.Get("file_size").Int(),
	}
	if w := v.Get("width"); w.Exists() && w.Int() > 0 {
		n := int(w.Int())
		f.Width = &n
	}
	if h := v.Get("height"); h.Exists() && h.Int() > 0 {
		n := int(h.Int())
		f.Height = &n
	}
	if d := v.Get("duration"); d.Exists() && d.Float() > 0 {
		x := d.Float()
		f.DurationSeconds = &x
	}
	return f, true
}

// errorMessage 从上游错误体里取可读信息：detail 可能是字符串或校验错误数组。
func errorMessage(body []byte) string {
	doc := gjson.ParseBytes(body)
	for _, path := range []string{"detail.0.msg", "detail", "error.message", "error", "message"} {
		if v := doc.Get(path); v.Exists() && v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
