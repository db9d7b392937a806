package duplicate

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Report.pdf", "report.pdf"},
		{"Quarterly Report.pdf", "quarterly_report.pdf"},
		{"Report (1).pdf", "report.pdf"},
		{"budget_copy.xlsx", "budget.xlsx"},
		{"notes_v3.txt", "notes.txt"},
		{"plan_final_v2.doc", "plan.doc"},
		{"photo!!.jpg", "photo.jpg"},
		{"no-extension", "no-extension"},
		{"IMG 2024.jpeg", "img.jpeg"},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHasVersionMarker(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Report (1).pdf", true},
		{"Report copy.pdf", true},
		{"notes_v3.txt", true},
		{"plan_final.doc", true},
		{"sketch_draft.png", true},
		{"Report.pdf", false},
		{"vacation.jpg", false},
	}
	for _, tt := range tests {
		if got := HasVersionMarker(tt.in); got != tt.want {
			t.Errorf("HasVersionMarker(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNameSimilarity(t *testing.T) {
	if sim := NameSimilarity("report.pdf", "report.pdf"); sim != 1 {
		t.Errorf("identical names similarity = %v, want 1", sim)
	}
	if sim := NameSimilarity("report.pdf", "reprot.pdf"); sim < 0.8 {
		t.Errorf("transposed names similarity = %v, want >= 0.8", sim)
	}
	if sim := NameSimilarity("report.pdf", "completely-other.mov"); sim >= 0.8 {
		t.Errorf("unrelated names similarity = %v, want < 0.8", sim)
	}
}

func TestNearSize(t *testing.T) {
	tests := []struct {
		a, b int64
		want bool
	}{
		{1000, 1000, true},
		{1000, 1050, true},
		{1000, 1200, false},
		{0, 0, true},
	}
	for _, tt := range tests {
		if got := NearSize(tt.a, tt.b); got != tt.want {
			t.Errorf("NearSize(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
