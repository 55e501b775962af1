package engine

// fillMillis is the playback fill period.
const fillMillis = 5

// targetFrames returns the local frame estimate for one fill at rate. At
// the reference rate it alternates base and base+1 using parity, which is
// toggled on every call.
func targetFrames(rate int, parity *int) int {
	*parity = 1 - *parity
	base := rate * fillMillis / 1000
	if rate == ReferenceRate {
		return base + *parity
	}
	return base
}

// reconcile adopts the device-reported frame count when it lies strictly
// inside the feedback window around target.
func reconcile(target, reported int) int {
	if reported > target-FeedbackWindow && reported < target+FeedbackWindow {
		return reported
	}
	return target
}

// nextFrameCount computes the frame count for the next playback fill and
// consumes the feedback accumulated since the previous one.
//
// s.mu must be held.
func (s *Session) nextFrameCount() int {
	target := targetFrames(s.rate, &s.parity)
	reported := int(s.feedback.Swap(0))
	frames := reconcile(target, reported)
	s.obs.Feedback(target, reported, frames == reported)
	return frames
}
