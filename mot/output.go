package mot

// FilterOutputs drops tiny and wide boxes from tracker output: tracks are kept when box area
// is greater than minBoxArea and width/height ratio does not exceed maxAspect.
// Non-positive maxAspect disables aspect check.
func FilterOutputs(tracks []*Track, minBoxArea, maxAspect float64) []*Track {
	res := make([]*Track, 0, len(tracks))
	for _, track := range tracks {
		box := track.TLWH()
		if box.Area() <= minBoxArea {
			continue
		}
		if maxAspect > 0 && box.Height > 0 && box.Width/box.Height > maxAspect {
			continue
		}
		res = append(res, track)
	}
	return res
}
