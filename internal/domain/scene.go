package domain

import (
	"encoding/json"
	"math"
)

// Scene 是视频中一段连续的时间区间，单位为秒。
type Scene struct {
	SceneID     *int     `json:"scene_id,omitempty"`
	StartSec    float64  `json:"start_sec"`
	DurationSec float64  `json:"duration"`
	EndSec      *float64 `json:"end_sec,omitempty"`
}

// End 返回场景结束时间；服务端未给出时由起点与时长推算。
func (s Scene) End() float64 {
	if s.EndSec != nil {
		return *s.EndSec
	}
	return s.StartSec + s.DurationSec
}

// wireScene 覆盖服务端不同端点使用过的字段命名。
type wireScene struct {
	SceneID     *float64 `json:"scene_id"`
	ID          *float64 `json:"id"`
	StartSec    *float64 `json:"start_sec"`
	Start       *float64 `json:"start"`
	StartTime   *float64 `json:"start_time"`
	Duration    *float64 `json:"duration"`
	DurationSec *float64 `json:"duration_sec"`
	EndSec      *float64 `json:"end_sec"`
	EndTime     *float64 `json:"end_time"`
	End         *float64 `json:"end"`
}

// UnmarshalJSON 将 start_sec/start、end_sec/end_time 等写法统一成内部结构。
// 数值缺失或为负时按 0 处理，不返回错误。
func (s *Scene) UnmarshalJSON(data []byte) error {
	var w wireScene
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*s = Scene{}
	s.StartSec = nonNegative(firstOf(w.StartSec, w.Start, w.StartTime))

	if id := firstOf(w.SceneID, w.ID); id != nil && !math.IsNaN(*id) {
		v := int(*id)
		s.SceneID = &v
	}

	end := firstOf(w.EndSec, w.EndTime, w.End)
	if end != nil {
		v := nonNegative(end)
		s.EndSec = &v
	}

	switch dur := firstOf(w.Duration, w.DurationSec); {
	case dur != nil:
		s.DurationSec = nonNegative(dur)
	case s.EndSec != nil:
		s.DurationSec = math.Max(*s.EndSec-s.StartSec, 0)
	}

	return nil
}

func firstOf(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func nonNegative(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || *v < 0 {
		return 0
	}
	return *v
}
