// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "time"

// CaseMetadata identifies a single coding case and its claim framing.
type CaseMetadata struct {
	CaseID        string           `json:"case_id"`
	PatientID     string           `json:"patient_id"`
	ProviderID    string           `json:"provider_id"`
	DateOfService time.Time        `json:"date_of_service"`
	PlaceOfService string          `json:"place_of_service,omitempty"`
	ClaimKind     ClaimKind        `json:"claim_kind"`
	Status        ProcessingStatus `json:"status"`
}

// ServiceType classifies the place-of-service into the two buckets the
// Compliance Agent consults (§4.5).
type ServiceType string

const (
	ServiceTypeHospital     ServiceType = "hospital"
	ServiceTypePractitioner ServiceType = "practitioner"
)

// hospitalPlaceOfServiceCodes are place-of-service codes treated as
// "hospital" by the Compliance Agent (§4.5).
var hospitalPlaceOfServiceCodes = map[string]bool{
	"21": true,
	"22": true,
	"23": true,
}

// ServiceType determines whether this case is billed as a hospital or
// practitioner encounter, per §4.5 "Determining service type".
func (c CaseMetadata) ServiceType() ServiceType {
	if hospitalPlaceOfServiceCodes[c.PlaceOfService] {
		return ServiceTypeHospital
	}
	return ServiceTypePractitioner
}

// Demographics carries the patient/provider/facility/coverage fields.
// Every field is optional per §3.
type Demographics struct {
	PatientName string `json:"patient_name,omitempty"`
	DOB         string `json:"dob,omitempty"`
	MRN         string `json:"mrn,omitempty"`
	Gender      string `json:"gender,omitempty"`

	ProviderName string `json:"provider_name,omitempty"`
	ProviderNPI  string `json:"provider_npi,omitempty"`

	FacilityName string `json:"facility_name,omitempty"`
	FacilityID   string `json:"facility_id,omitempty"`

	State string `json:"state,omitempty"`
	ZIP   string `json:"zip,omitempty"`

	CoveragePayer  string `json:"coverage_payer,omitempty"`
	CoveragePlanID string `json:"coverage_plan_id,omitempty"`
}

// CaseNote is the primary note plus any number of tagged additional notes.
type CaseNote struct {
	PrimaryNoteText string             `json:"primary_note_text"`
	AdditionalNotes []AdditionalNote   `json:"additional_notes,omitempty"`
}

// AdditionalNote is one supplementary note tagged by clinical origin.
type AdditionalNote struct {
	Kind NoteKind `json:"kind"`
	Text string   `json:"text"`
}

// FullText concatenates the primary note with every additional note, in
// the order the Modifier Agent's evidence matcher (§4.7.6) consumes them.
func (n CaseNote) FullText() string {
	out := n.PrimaryNoteText
	for _, a := range n.AdditionalNotes {
		if out != "" {
			out += "\n"
		}
		out += a.Text
	}
	return out
}
