package mar

import "testing"

func TestPatientKeyTrimsAndJoins(t *testing.T) {
	if key := PatientKey(" Kim ", "201", " 12345"); key != "Kim|201|12345" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestPatientKeyDistinguishesSharedNames(t *testing.T) {
	if PatientKey("Kim", "201", "12345") == PatientKey("Kim", "202", "67890") {
		t.Fatalf("patients sharing a name must not collapse to one key")
	}
}

func TestInitialsFromEmail(t *testing.T) {
	tests := []struct {
		email    string
		expected string
	}{
		{"jane.doe@example.com", "JD"},
		{"j-q-public@care.local", "JQP"},
		{"nurse7@fac.local", "N"},
		{"a.b.c.d.e@x.y", "ABCD"},
	}
	for _, tt := range tests {
		if got := InitialsFromEmail(tt.email); got != tt.expected {
			t.Fatalf("InitialsFromEmail(%q) = %q, want %q", tt.email, got, tt.expected)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := NewState()
	original.Patients["Kim"] = &Patient{
		Room: "201",
		MRN:  "12345",
		Meds: map[string]*Medication{"Aspirin": {Times: []string{"09:00"}}},
	}

	copied := Clone(original)
	copied.Patients["Kim"].Meds["Aspirin"].Times[0] = "10:00"
	copied.Patients["Lee"] = &Patient{}

	if original.Patients["Kim"].Meds["Aspirin"].Times[0] != "09:00" {
		t.Fatalf("clone mutation leaked into the original state")
	}
	if _, ok := original.Patients["Lee"]; ok {
		t.Fatalf("clone patient addition leaked into the original state")
	}
}

func TestNormalizeRepairsNilMaps(t *testing.T) {
	state := State{Patients: map[string]*Patient{"Kim": {}}}
	Normalize(&state)
	if state.Patients["Kim"].Meds == nil {
		t.Fatalf("expected meds map to be initialized")
	}
}

func TestLookupPatientPrefersNameThenRefines(t *testing.T) {
	state := NewState()
	state.Patients["Kim A"] = &Patient{Room: "201", MRN: "111"}
	state.Patients["Kim B"] = &Patient{Room: "202", MRN: "222"}
	state.Patients["Lee"] = &Patient{Room: "301", MRN: "333"}

	name, _, ok := LookupPatient(state, "Kim", "202", "")
	if !ok || name != "Kim B" {
		t.Fatalf("expected room refinement to pick Kim B, got %q ok=%v", name, ok)
	}

	name, _, ok = LookupPatient(state, "", "", "333")
	if !ok || name != "Lee" {
		t.Fatalf("expected MRN fallback to pick Lee, got %q ok=%v", name, ok)
	}

	if _, _, ok := LookupPatient(state, "Park", "", ""); ok {
		t.Fatalf("expected no match for unknown name")
	}
}
