package model

import "testing"

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }
func statusp(s Status) *Status {
	return &s
}

func TestItemPatchApply(t *testing.T) {
	base := TodoItem{
		ID:          "i1",
		ListID:      "l1",
		Name:        "Milk",
		Description: "2%",
		Status:      StatusNotStarted,
		Done:        false,
		CreatedAt:   "2025-01-01T00:00:00Z",
		UpdatedAt:   "2025-01-01T00:00:00Z",
	}

	tests := []struct {
		name       string
		patch      ItemPatch
		wantStatus Status
		wantDone   bool
		wantName   string
	}{
		{
			name:       "empty patch preserves fields",
			patch:      ItemPatch{},
			wantStatus: StatusNotStarted,
			wantDone:   false,
			wantName:   "Milk",
		},
		{
			name:       "name only",
			patch:      ItemPatch{Name: strp("Bread")},
			wantStatus: StatusNotStarted,
			wantDone:   false,
			wantName:   "Bread",
		},
		{
			name:       "status completed forces done",
			patch:      ItemPatch{Status: statusp(StatusCompleted)},
			wantStatus: StatusCompleted,
			wantDone:   true,
			wantName:   "Milk",
		},
		{
			name:       "done true forces completed",
			patch:      ItemPatch{Done: boolp(true)},
			wantStatus: StatusCompleted,
			wantDone:   true,
			wantName:   "Milk",
		},
		{
			name:       "status in_progress keeps done false",
			patch:      ItemPatch{Status: statusp(StatusInProgress)},
			wantStatus: StatusInProgress,
			wantDone:   false,
			wantName:   "Milk",
		},
		{
			name:       "done false with completed status demotes",
			patch:      ItemPatch{Status: statusp(StatusCompleted), Done: boolp(false)},
			wantStatus: StatusInProgress,
			wantDone:   false,
			wantName:   "Milk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.patch.Apply(base, "2025-01-02T00:00:00Z")
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", got.Status, tt.wantStatus)
			}
			if got.Done != tt.wantDone {
				t.Errorf("Done = %v, want %v", got.Done, tt.wantDone)
			}
			if got.Name != tt.wantName {
				t.Errorf("Name = %v, want %v", got.Name, tt.wantName)
			}
			if got.UpdatedAt != "2025-01-02T00:00:00Z" {
				t.Errorf("UpdatedAt not stamped: %v", got.UpdatedAt)
			}
			// done must always mirror completion
			if got.Done != (got.Status == StatusCompleted) {
				t.Errorf("coupling violated: done=%v status=%v", got.Done, got.Status)
			}
		})
	}
}

func TestItemPatchDemoteFromCompleted(t *testing.T) {
	done := TodoItem{ID: "i2", ListID: "l1", Name: "Eggs", Status: StatusCompleted, Done: true}

	got := ItemPatch{Done: boolp(false)}.Apply(done, "2025-01-02T00:00:00Z")
	if got.Status != StatusInProgress {
		t.Errorf("Status = %v, want %v", got.Status, StatusInProgress)
	}
	if got.Done {
		t.Error("Done = true, want false")
	}
}

func TestRevRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "seconds with micros", in: "1730484792.123456", want: "1730484792.123456"},
		{name: "whole seconds", in: "1730484792", want: "1730484792.000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRev(tt.in)
			if err != nil {
				t.Fatalf("ParseRev(%q) error: %v", tt.in, err)
			}
			if got := r.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := ParseRev("not-a-rev"); err == nil {
		t.Error("ParseRev accepted garbage")
	}
}

func TestSnapshotExcludesTombstones(t *testing.T) {
	st := &ListState{
		ListID:   "l1",
		ListName: "Groceries",
		Rev:      Rev(100.5),
		Items: map[string]*TodoItem{
			"i1": {ID: "i1", ListID: "l1", Name: "Milk", Status: StatusNotStarted},
			"i2": nil, // tombstone
		},
	}

	snap := st.Snapshot()
	if len(snap.Items) != 1 {
		t.Fatalf("snapshot items = %d, want 1", len(snap.Items))
	}
	if _, ok := snap.Items["i2"]; ok {
		t.Error("tombstone leaked into snapshot")
	}
	if snap.Rev != "100.500000" {
		t.Errorf("rev = %q, want %q", snap.Rev, "100.500000")
	}
	// snapshot must be a copy, not an alias
	snap.Items["i1"].Name = "changed"
	if st.Items["i1"].Name != "Milk" {
		t.Error("snapshot aliases cache state")
	}
}
