package scoring

import "math"

// maxSessionSeconds caps the observed duration; the passive script ends
// its session after this long.
const maxSessionSeconds = 30.0

var passthroughFeatures = []string{
	"active_ratio", "focus_count", "mouse_total_distance", "mouse_avg_speed",
	"mouse_speed_variance", "avg_click_delay", "max_scroll_depth",
	"scroll_avg_speed", "key_avg_dwell",
}

func number(data map[string]any, key string) float64 {
	f, _ := toFloat(data[key])
	return f
}

// Features derives the classifier input from a session_end behaviour
// summary.
func Features(data map[string]any) map[string]float64 {
	duration := math.Min(number(data, "duration"), maxSessionSeconds)
	hidden := math.Min(number(data, "hidden_seconds"), duration)
	fid, ok := toFloat(data["first_interaction_delay"])
	if !ok {
		fid = duration
	}

	moves := number(data, "mouse_move_count")
	clicks := number(data, "click_count")
	scrolls := number(data, "scroll_events")
	keys := number(data, "key_events")

	perSec := func(n float64) float64 {
		if duration <= 0 {
			return 0
		}
		return n / duration
	}
	flag := func(n float64) float64 {
		if n > 0 {
			return 1
		}
		return 0
	}

	f := map[string]float64{
		"duration":                duration,
		"first_interaction_delay": fid,
		"hidden_seconds":          hidden,
		"pct_time_hidden":         perSec(hidden),
		"mouse_move_count":        moves,
		"mouse_moves_per_sec":     perSec(moves),
		"distance_per_move":       number(data, "mouse_total_distance") / math.Max(1, moves),
		"click_count":             clicks,
		"clicks_per_sec":          perSec(clicks),
		"scroll_events":           scrolls,
		"scrolls_per_sec":         perSec(scrolls),
		"key_events":              keys,
		"interaction_count":       moves + clicks + scrolls + keys,
		"had_mouse":               flag(moves),
		"had_clicks":              flag(clicks),
		"had_scroll":              flag(scrolls),
		"had_keyboard":            flag(keys),
	}
	for _, k := range passthroughFeatures {
		f[k] = number(data, k)
	}

	// Each interaction kind present is equally likely, so the entropy is
	// ln of their count.
	kinds := f["had_mouse"] + f["had_clicks"] + f["had_scroll"] + f["had_keyboard"]
	if kinds > 0 {
		f["interaction_entropy"] = math.Log(kinds)
	} else {
		f["interaction_entropy"] = 0
	}
	return f
}
