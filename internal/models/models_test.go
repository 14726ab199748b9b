package models

import "testing"

func TestCaptionStreamRoundTripKeepsOffset(t *testing.T) {
	in := CaptionEvent{
		ID: "c1", Text: "hello", Lang: "en", SessionID: "s1",
		Confidence: 0.95, Source: "manual", Timestamp: 1700000000123,
	}
	fields := map[string]string{}
	for k, v := range in.StreamFields() {
		fields[k] = v.(string)
	}

	got := CaptionFromStream("1700000000123-0", fields)
	in.StreamID = "1700000000123-0"
	if got != in {
		t.Fatalf("CaptionFromStream = %+v, want %+v", got, in)
	}
}

func TestCaptionHashFieldsMarkSearchable(t *testing.T) {
	fields := CaptionEvent{ID: "c1", StreamID: "1-0"}.HashFields()
	if fields["searchable"] != "true" || fields["id"] != "c1" || fields["stream_id"] != "1-0" {
		t.Fatalf("HashFields = %v", fields)
	}
	if _, ok := fields["caption_id"]; ok {
		t.Fatal("index document should not carry caption_id")
	}
}

func TestJobResultFailed(t *testing.T) {
	cases := map[string]struct {
		r    JobResult
		want bool
	}{
		"ok":           {JobResult{Answer: "42"}, false},
		"error":        {JobResult{Answer: "42", Error: "boom"}, true},
		"empty answer": {JobResult{}, true},
	}
	for name, tc := range cases {
		if got := tc.r.Failed(); got != tc.want {
			t.Errorf("%s: Failed() = %v, want %v", name, got, tc.want)
		}
	}
}
