package packet

// EmergencyType enumerates the kind of emergency an SOS reports.
type EmergencyType string

const (
	EmergencyMedical EmergencyType = "medical"
	EmergencyFire    EmergencyType = "fire"
	EmergencyTrapped EmergencyType = "trapped"
	EmergencyFlood   EmergencyType = "flood"
	EmergencyOther   EmergencyType = "other"
)

func (e EmergencyType) Valid() bool {
	switch e {
	case EmergencyMedical, EmergencyFire, EmergencyTrapped, EmergencyFlood, EmergencyOther:
		return true
	}
	return false
}

// TriageLevel mirrors the field responders use to prioritize SOS entries.
type TriageLevel string

const (
	TriageNone   TriageLevel = "none"
	TriageGreen  TriageLevel = "green"
	TriageYellow TriageLevel = "yellow"
	TriageRed    TriageLevel = "red"
)

func (t TriageLevel) Valid() bool {
	switch t {
	case TriageNone, TriageGreen, TriageYellow, TriageRed:
		return true
	}
	return false
}

// SosPayload is the JSON body carried in MeshPacket.Payload for sos
// packets.
type SosPayload struct {
	SosID             string        `json:"sos_id"`
	SenderID          string        `json:"sender_id"`
	SenderName        string        `json:"sender_name"`
	Latitude          float64       `json:"latitude"`
	Longitude         float64       `json:"longitude"`
	LocationAccuracyM float64       `json:"location_accuracy_m"`
	EmergencyType     EmergencyType `json:"emergency_type"`
	TriageLevel       TriageLevel   `json:"triage_level"`
	NumberOfPeople    int           `json:"number_of_people"`
	MedicalConditions []string      `json:"medical_conditions"`
	RequiredSupplies  []string      `json:"required_supplies"`
	AdditionalNotes   string        `json:"additional_notes"`
	ContactPhone      string        `json:"contact_phone,omitempty"`
	TimestampMs       int64         `json:"timestamp_ms"`
	IsActive          bool          `json:"is_active"`

	// AdditionalNotesMarkdown is additive: when set, the gateway uploader
	// renders AdditionalNotes from Markdown into additional_notes_html
	// before posting to the cloud sink. It has no effect on the wire
	// schema of the packet itself.
	AdditionalNotesMarkdown bool `json:"additional_notes_markdown,omitempty"`
}
