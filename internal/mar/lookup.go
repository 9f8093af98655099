package mar

import (
	"sort"
	"strings"
)

// FindPatientByKey resolves a patient by the full composite identity key.
func FindPatientByKey(state State, key string) (string, *Patient, bool) {
	for name, patient := range state.Patients {
		if KeyForPatient(name, patient) == key {
			return name, patient, true
		}
	}
	return "", nil, false
}

// LookupPatient finds the best navigation match for partial identity data:
// name prefix first, refined by room and MRN, with a plain MRN fallback.
// The composite key remains the only basis for record-keeping equality; this
// lookup exists for navigation and cannot disambiguate patients sharing all
// display fields.
func LookupPatient(state State, name, room, mrn string) (string, *Patient, bool) {
	name = strings.TrimSpace(name)
	room = strings.TrimSpace(room)
	mrn = strings.TrimSpace(mrn)

	names := make([]string, 0, len(state.Patients))
	for candidate := range state.Patients {
		names = append(names, candidate)
	}
	sort.Strings(names)

	if name != "" {
		matched := ""
		for _, candidate := range names {
			if strings.HasPrefix(candidate, name) {
				matched = candidate
				break
			}
		}
		if matched == "" {
			for _, candidate := range names {
				if strings.Contains(candidate, name) {
					matched = candidate
					break
				}
			}
		}
		if matched != "" {
			hit := state.Patients[matched]
			if room != "" && hit != nil && hit.Room != room {
				for _, candidate := range names {
					other := state.Patients[candidate]
					if strings.Contains(candidate, name) && other != nil && other.Room == room {
						matched, hit = candidate, other
						break
					}
				}
			}
			if mrn != "" && hit != nil && hit.MRN != mrn {
				for _, candidate := range names {
					other := state.Patients[candidate]
					if strings.Contains(candidate, name) && other != nil && other.MRN == mrn {
						matched, hit = candidate, other
						break
					}
				}
			}
			return matched, hit, true
		}
	}

	if mrn != "" {
		for _, candidate := range names {
			patient := state.Patients[candidate]
			if patient != nil && patient.MRN == mrn {
				return candidate, patient, true
			}
		}
	}

	return "", nil, false
}
