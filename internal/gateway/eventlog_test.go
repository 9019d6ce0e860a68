package gateway

import "testing"

func TestEventLogSeqStrictlyIncreasing(t *testing.T) {
	log := newEventLog(8)
	var last uint64
	for i := 0; i < 20; i++ {
		frame := log.append("chat", nil)
		if frame.Seq != last+1 {
			t.Fatalf("seq jumped from %d to %d", last, frame.Seq)
		}
		last = frame.Seq
	}
}

func TestEventLogResumeReplaysSuffix(t *testing.T) {
	log := newEventLog(16)
	for i := 0; i < 10; i++ {
		log.append("chat", i)
	}
	frames, gap := log.since(7)
	if gap != nil {
		t.Fatalf("suffix is buffered, no gap expected: %+v", gap)
	}
	if len(frames) != 3 || frames[0].Seq != 8 {
		t.Fatalf("unexpected replay: %d frames starting at %d", len(frames), frames[0].Seq)
	}
}

func TestEventLogGapWhenSuffixDiscarded(t *testing.T) {
	log := newEventLog(16)
	for i := 0; i < 135; i++ {
		log.append("chat", i)
	}
	// Client last saw seq 100; the oldest buffered frame is 120.
	frames, gap := log.since(100)
	if gap == nil {
		t.Fatal("discarded suffix must produce a gap")
	}
	if gap.Expected != 101 || gap.Received != 120 {
		t.Fatalf("gap = %+v, want {101 120}", gap)
	}
	if len(frames) == 0 || frames[0].Seq != 120 {
		t.Fatalf("replay should resume at the oldest buffered frame, got %d", frames[0].Seq)
	}
}

func TestEventLogResumeAtHeadIsEmpty(t *testing.T) {
	log := newEventLog(8)
	for i := 0; i < 5; i++ {
		log.append("chat", i)
	}
	frames, gap := log.since(5)
	if frames != nil || gap != nil {
		t.Fatalf("up-to-date client gets nothing, got %d frames, gap %+v", len(frames), gap)
	}
}
