package qr

import "github.com/CareSyncLab/minimar/backend/internal/mar"

var marPatient = mar.Patient{
	Room: "201",
	MRN:  "12345",
	Meds: map[string]*mar.Medication{
		"Aspirin": {Times: []string{"09:00"}},
		"Eliquis": {Times: []string{"09:00"}},
		"Lipitor": {Times: []string{"21:00"}},
	},
}
