package mar

import (
	"errors"
	"time"
)

const onTimeWindowMinutes = 60

// ErrUnknownMedication indicates the patient does not carry the medication.
var ErrUnknownMedication = errors.New("mar: unknown medication")

// ClassifyDose returns ok when the given time falls within the on-time window
// around the scheduled time. A missing or unparseable time on either side
// cannot be verified on time, so it classifies as late.
func ClassifyDose(sched, given string) DoseStatus {
	schedMinutes, okSched := MinutesOfDay(sched)
	givenMinutes, okGiven := MinutesOfDay(given)
	if !okSched || !okGiven {
		return DoseStatusLate
	}
	diff := givenMinutes - schedMinutes
	if diff < 0 {
		diff = -diff
	}
	if diff <= onTimeWindowMinutes {
		return DoseStatusOK
	}
	return DoseStatusLate
}

// FindDose returns the record occupying the (day, sched) slot, if any.
func FindDose(med *Medication, dayKey, sched string) (DoseRecord, bool) {
	if med == nil {
		return DoseRecord{}, false
	}
	for _, record := range med.History[dayKey] {
		if record.Sched == sched {
			return record, true
		}
	}
	return DoseRecord{}, false
}

// ToggleDose records a dose into the (day, sched) slot, or clears the slot
// when it already holds a record. It returns the record that was added or
// removed and whether the toggle added one.
func ToggleDose(patient *Patient, medName, dayKey, sched string, given time.Time, initials string) (DoseRecord, bool, error) {
	if patient == nil || patient.Meds[medName] == nil {
		return DoseRecord{}, false, ErrUnknownMedication
	}
	med := patient.Meds[medName]
	if med.History == nil {
		med.History = map[string][]DoseRecord{}
	}

	slot := med.History[dayKey]
	for index, record := range slot {
		if record.Sched == sched {
			med.History[dayKey] = append(slot[:index:index], slot[index+1:]...)
			return record, false, nil
		}
	}

	givenHHMM := HHMM(given)
	record := DoseRecord{
		Sched:    sched,
		Given:    givenHHMM,
		Status:   ClassifyDose(sched, givenHHMM),
		Initials: initials,
		Source:   DoseSourceManual,
	}
	med.History[dayKey] = append(slot, record)
	return record, true, nil
}
