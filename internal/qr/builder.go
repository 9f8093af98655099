package qr

import (
	"encoding/json"
	"sort"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"github.com/google/uuid"
)

type patientWire struct {
	Name *string `json:"name"`
	Room *string `json:"room"`
	MRN  *string `json:"mrn"`
}

type patientPayloadWire struct {
	V        int         `json:"v"`
	Type     string      `json:"type"`
	Facility *string     `json:"facility"`
	Patient  patientWire `json:"patient"`
}

type batchPayloadWire struct {
	V        int         `json:"v"`
	Type     string      `json:"type"`
	Facility *string     `json:"facility"`
	Patient  patientWire `json:"patient"`
	Time     *string     `json:"time"`
	Meds     []string    `json:"meds"`
	BatchID  *string     `json:"batchId"`
}

// BuildPatientPayload serializes the patient identification wire payload.
func BuildPatientPayload(facility string, patient PatientRef) string {
	wire := patientPayloadWire{
		V:        1,
		Type:     string(KindPatient),
		Facility: nullable(facility),
		Patient:  wirePatientOf(patient),
	}
	raw, _ := json.Marshal(wire)
	return string(raw)
}

// BatchConfig describes one administration batch to encode.
type BatchConfig struct {
	Facility string
	Patient  PatientRef
	Time     string
	Meds     []string
	BatchID  string
}

// BuildBatchPayload serializes the administration batch wire payload. Meds
// are deduplicated and sorted so identical batches encode identically.
func BuildBatchPayload(cfg BatchConfig) string {
	meds := uniqueSorted(cfg.Meds)
	wire := batchPayloadWire{
		V:        1,
		Type:     string(KindBatch),
		Facility: nullable(cfg.Facility),
		Patient:  wirePatientOf(cfg.Patient),
		Time:     nullable(cfg.Time),
		Meds:     meds,
		BatchID:  nullable(cfg.BatchID),
	}
	raw, _ := json.Marshal(wire)
	return string(raw)
}

// NewBatchID issues a fresh batch identifier. Identifiers are unique, not
// secret.
func NewBatchID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}

// TimedGroup collects the medications due at one shared time.
type TimedGroup struct {
	Time string
	Meds []string
}

// GroupMedsByTime groups a patient's medications by administration time,
// sorted by time then name, matching the batch builder's input shape.
func GroupMedsByTime(patient *mar.Patient) []TimedGroup {
	if patient == nil {
		return nil
	}
	byTime := map[string][]string{}
	for name, med := range patient.Meds {
		if med == nil {
			continue
		}
		for _, at := range med.Times {
			byTime[at] = append(byTime[at], name)
		}
	}
	groups := make([]TimedGroup, 0, len(byTime))
	for at, meds := range byTime {
		sort.Strings(meds)
		groups = append(groups, TimedGroup{Time: at, Meds: meds})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Time < groups[j].Time })
	return groups
}

func wirePatientOf(patient PatientRef) patientWire {
	return patientWire{
		Name: nullable(patient.Name),
		Room: nullable(patient.Room),
		MRN:  nullable(patient.MRN),
	}
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func uniqueSorted(values []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
