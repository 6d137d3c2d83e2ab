package processor

import (
	"testing"

	"staycrawler/pkg/types"
)

func TestClean(t *testing.T) {
	cleaner := NewTextCleaner()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "  Great   place\n\n\n\nwould stay again ", want: "Great place\n\nwould stay again"},
		{name: "breaks", in: "Lovely flat.<br/>Close to the <b>old town</b>.<br><br>Thanks!", want: "Lovely flat.\nClose to the old town.\n\nThanks!"},
		{name: "entities", in: "Tom &amp; Jerry", want: "Tom & Jerry"},
		{name: "blocks", in: "<p>First</p><p>Second</p><script>alert(1)</script>", want: "First\nSecond"},
		{name: "empty", in: "", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleaner.Clean(tc.in); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCleanReviews(t *testing.T) {
	reviews := NewTextCleaner().CleanReviews([]types.Review{{ID: "1", Comments: "a<br/>b", Response: "thanks &lt;3"}})
	if reviews[0].Comments != "a\nb" || reviews[0].Response != "thanks <3" {
		t.Fatalf("unexpected review %+v", reviews[0])
	}
}
