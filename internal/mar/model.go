package mar

import (
	"encoding/json"
	"strings"
)

// DoseStatus classifies how a recorded dose relates to its scheduled time.
type DoseStatus string

const (
	// DoseStatusOK marks a dose given within the on-time window.
	DoseStatusOK DoseStatus = "ok"
	// DoseStatusLate marks a dose given outside the on-time window.
	DoseStatusLate DoseStatus = "late"
)

// DoseSource identifies how a dose record entered the system.
type DoseSource string

const (
	// DoseSourceManual marks a dose recorded by tapping a slot.
	DoseSourceManual DoseSource = "MANUAL"
	// DoseSourceQRScan marks a dose recorded through the scan workflow.
	DoseSourceQRScan DoseSource = "QR_SCAN"
)

// DoseRecord captures one administration of one medication.
type DoseRecord struct {
	Sched    string     `json:"sched"`
	Given    string     `json:"given"`
	Status   DoseStatus `json:"status"`
	Initials string     `json:"initials"`
	Source   DoseSource `json:"source,omitempty"`
	BatchID  string     `json:"batchId,omitempty"`
}

// ScheduleType enumerates supported medication schedules.
type ScheduleType string

const (
	// ScheduleWeekly activates the medication on fixed days of the week.
	ScheduleWeekly ScheduleType = "weekly"
	// ScheduleInterval activates the medication every N days from a start date.
	ScheduleInterval ScheduleType = "interval"
)

// Schedule describes on which days a medication is due.
type Schedule struct {
	Type  ScheduleType `json:"type"`
	Days  []int        `json:"days,omitempty"`
	Every int          `json:"every,omitempty"`
	Start string       `json:"start,omitempty"`
}

// Medication holds administration times and the per-day dose history.
// History is keyed by day (YYYY-MM-DD).
type Medication struct {
	Times    []string                `json:"times"`
	Schedule *Schedule               `json:"schedule,omitempty"`
	History  map[string][]DoseRecord `json:"history,omitempty"`
}

// Patient carries the display identity and the medication map.
type Patient struct {
	Room string                 `json:"room"`
	MRN  string                 `json:"mrn"`
	Meds map[string]*Medication `json:"meds"`
}

// State is the whole-facility local snapshot, keyed by patient name.
type State struct {
	Patients map[string]*Patient `json:"patients"`
}

// SyncMeta pairs the local revision counter with its commit timestamp.
// The pair is compared atomically during sync conflict resolution.
type SyncMeta struct {
	Rev       int64 `json:"rev"`
	UpdatedAt int64 `json:"updatedAt"`
}

// NewState returns an empty, fully initialized state.
func NewState() State {
	return State{Patients: map[string]*Patient{}}
}

// Normalize repairs nil maps so callers can mutate without nil checks.
func Normalize(state *State) {
	if state.Patients == nil {
		state.Patients = map[string]*Patient{}
	}
	for _, patient := range state.Patients {
		if patient == nil {
			continue
		}
		if patient.Meds == nil {
			patient.Meds = map[string]*Medication{}
		}
		for _, med := range patient.Meds {
			if med == nil {
				continue
			}
			if med.Times == nil {
				med.Times = []string{}
			}
			if med.History == nil {
				med.History = map[string][]DoseRecord{}
			}
		}
	}
}

// Clone returns a deep copy of the state via a JSON round trip.
func Clone(state State) State {
	raw, err := json.Marshal(state)
	if err != nil {
		return NewState()
	}
	var copied State
	if err := json.Unmarshal(raw, &copied); err != nil {
		return NewState()
	}
	Normalize(&copied)
	return copied
}

// PatientKey builds the composite identity key. Equality must always use the
// full composite; a single field can collapse distinct patients.
func PatientKey(name, room, mrn string) string {
	return strings.TrimSpace(name) + "|" + strings.TrimSpace(room) + "|" + strings.TrimSpace(mrn)
}

// KeyForPatient builds the composite key for a stored patient.
func KeyForPatient(name string, patient *Patient) string {
	if patient == nil {
		return PatientKey(name, "", "")
	}
	return PatientKey(name, patient.Room, patient.MRN)
}

// InitialsFromEmail derives recorder initials from the local part of an email
// address, falling back to its first two characters.
func InitialsFromEmail(email string) string {
	local := email
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	var initials strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		initials.WriteString(strings.ToUpper(part[:1]))
	}
	out := initials.String()
	if out == "" {
		out = strings.ToUpper(local)
		if len(out) > 2 {
			out = out[:2]
		}
	}
	if out == "" {
		out = "NA"
	}
	if len(out) > 4 {
		out = out[:4]
	}
	return out
}
