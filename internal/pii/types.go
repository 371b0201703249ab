// Package pii detects and redacts personally identifiable information in
// free text before it leaves the device.
package pii

import (
	"fmt"
	"strings"
	"time"
)

// Type names a category of PII. The value is its display form, which is
// also what redaction markers carry.
type Type string

const (
	Email          Type = "email"
	Phone          Type = "phone"
	SSN            Type = "ssn"
	DriverLicense  Type = "driver_license"
	Passport       Type = "passport"
	TaxID          Type = "tax_id"
	CreditCard     Type = "credit_card"
	BankAccount    Type = "bank_account"
	IBAN           Type = "iban"
	Swift          Type = "swift"
	BitcoinAddress Type = "bitcoin_address"
	IPAddress      Type = "ip_address"
	MACAddress     Type = "mac_address"
	GPSCoordinates Type = "gps_coordinates"
	HomeAddress    Type = "home_address"
	PostalCode     Type = "postal_code"
	MedicalRecord  Type = "medical_record"
	HealthInsure   Type = "health_insurance"
	PrescriptionID Type = "prescription_id"
	Username       Type = "username"
	Password       Type = "password"
	APIKey         Type = "api_key"
	SessionToken   Type = "session_token"
	EmployeeID     Type = "employee_id"
	StudentID      Type = "student_id"
	FullName       Type = "full_name"
	DateOfBirth    Type = "date_of_birth"
)

// CustomType builds the type of an organisation-defined pattern.
func CustomType(name string) Type { return Type("custom_" + name) }

func (t Type) String() string { return string(t) }

// Sensitivity orders how harmful disclosure would be.
type Sensitivity int

const (
	Public Sensitivity = iota
	Internal
	Confidential
	Restricted
	TopSecret
)

var sensitivityNames = [...]string{"Public", "Internal", "Confidential", "Restricted", "TopSecret"}

func (s Sensitivity) String() string {
	if s < Public || s > TopSecret {
		return fmt.Sprintf("Sensitivity(%d)", int(s))
	}
	return sensitivityNames[s]
}

func (s Sensitivity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Sensitivity) UnmarshalText(b []byte) error {
	for i, n := range sensitivityNames {
		if strings.EqualFold(n, string(b)) {
			*s = Sensitivity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown sensitivity %q", b)
}

// weight feeds the risk score.
func (s Sensitivity) weight() float64 {
	switch s {
	case Public:
		return 0.1
	case Internal:
		return 0.3
	case Confidential:
		return 0.6
	case Restricted:
		return 0.8
	default:
		return 1.0
	}
}

type Method string

const (
	Regex              Method = "Regex"
	ContextualAnalysis Method = "ContextualAnalysis"
	ChecksumValidation Method = "ChecksumValidation"
	Dictionary         Method = "Dictionary"
	MachineLearning    Method = "MachineLearning"
)

type Framework string

const (
	GDPR   Framework = "Gdpr"
	HIPAA  Framework = "Hipaa"
	CCPA   Framework = "Ccpa"
	PIPEDA Framework = "Pipeda"
	LGPD   Framework = "Lgpd"
	SOX    Framework = "Sox"
	PCI    Framework = "Pci"
	FERPA  Framework = "Ferpa"
	GLBA   Framework = "Glba"
)

// Entity is one detected value. Start and End are byte offsets into the
// analysed text.
type Entity struct {
	Type           Type              `json:"type"`
	Value          string            `json:"value"`
	Start          int               `json:"start"`
	End            int               `json:"end"`
	Confidence     float64           `json:"confidence"`
	Sensitivity    Sensitivity       `json:"sensitivity"`
	Context        string            `json:"context"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Method         Method            `json:"method"`
	ComplianceTags []string          `json:"compliance_tags,omitempty"`
}

func (e Entity) Len() int { return e.End - e.Start }

func (e Entity) Overlaps(o Entity) bool { return e.Start < o.End && o.Start < e.End }

func (e Entity) HighlySensitive() bool { return e.Sensitivity >= Restricted }

// String never includes the detected value.
func (e Entity) String() string {
	return fmt.Sprintf("%s[%d:%d] %.2f", e.Type, e.Start, e.End, e.Confidence)
}

// AnalysisContext describes where the text came from. Contextual matches
// copy the set fields into their metadata.
type AnalysisContext struct {
	DocumentType       string
	SourceApplication  string
	UserID             string
	SessionID          string
	Jurisdiction       string
	DataClassification string
	ProcessingPurpose  string
}

func (c AnalysisContext) metadata() map[string]string {
	m := map[string]string{}
	add := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	add("document_type", c.DocumentType)
	add("source_application", c.SourceApplication)
	add("jurisdiction", c.Jurisdiction)
	add("data_classification", c.DataClassification)
	add("processing_purpose", c.ProcessingPurpose)
	return m
}

type ComplianceStatus struct {
	Frameworks      []Framework `json:"frameworks"`
	Recommendations []string    `json:"recommendations,omitempty"`
	RiskScore       float64     `json:"risk_score"`
}

type Result struct {
	Entities           []Entity         `json:"entities"`
	Elapsed            time.Duration    `json:"elapsed"`
	OverallSensitivity Sensitivity      `json:"overall_sensitivity"`
	Compliance         ComplianceStatus `json:"compliance"`
	Cached             bool             `json:"cached"`
}

// Metrics is a point-in-time snapshot of matcher activity.
type Metrics struct {
	Operations  uint64        `json:"operations"`
	Matched     uint64        `json:"matched"`
	CacheHits   uint64        `json:"cache_hits"`
	CacheMisses uint64        `json:"cache_misses"`
	LastElapsed time.Duration `json:"last_elapsed"`
	CacheBytes  int           `json:"cache_bytes"`
	CacheItems  int           `json:"cache_items"`
}
