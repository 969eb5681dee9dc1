package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"strconv"
	"strings"
)

type CertificateStatus string

const (
	CertificateSucceeded CertificateStatus = "SUCCEEDED"
	CertificateFailed    CertificateStatus = "FAILED"
	CertificateUnknown   CertificateStatus = "UNKNOWN"
)

// Certificate is the persisted outcome of a job. On the wire it is a flat JSON
// object: {"status": "...", <details>...}.
type Certificate struct {
	Status  CertificateStatus
	Details map[string]string
}

func UnknownCertificate() Certificate {
	return Certificate{Status: CertificateUnknown}
}

func FailedCertificate(reason string) Certificate {
	return Certificate{
		Status:  CertificateFailed,
		Details: map[string]string{"reason": reason},
	}
}

// JobStatus maps the certificate to the terminal status of its job: only a
// certificate saying SUCCEEDED makes a successful job.
func (c Certificate) JobStatus() JobStatus {
	if c.Status == CertificateSucceeded {
		return JobStatusSucceeded
	}
	return JobStatusFailed
}

func (c Certificate) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(c.Details)+1)
	maps.Copy(m, c.Details)
	status := c.Status
	if status == "" {
		status = CertificateUnknown
	}
	m["status"] = string(status)
	return json.Marshal(m)
}

// UnmarshalJSON accepts any JSON object. Non-string values are kept as their
// JSON text, a missing or unrecognized status decodes as UNKNOWN and the
// reported value is kept under "reported_status".
func (c *Certificate) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("certificate must be a JSON object")
	}
	cert := Certificate{Status: CertificateUnknown}
	for k, v := range raw {
		s := rawText(v)
		if k != "status" {
			if cert.Details == nil {
				cert.Details = make(map[string]string, len(raw))
			}
			cert.Details[k] = s
			continue
		}
		switch st := CertificateStatus(strings.ToUpper(s)); st {
		case CertificateSucceeded, CertificateFailed, CertificateUnknown:
			cert.Status = st
		default:
			if cert.Details == nil {
				cert.Details = make(map[string]string, len(raw))
			}
			cert.Details["reported_status"] = s
		}
	}
	*c = cert
	return nil
}

func rawText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
)

// Event is one element of a job stream: progress 0..100 or the terminal done
// event carrying the certificate.
type Event struct {
	Type        EventType
	Progress    int
	Certificate Certificate
}

func ProgressEvent(progress int) Event {
	return Event{Type: EventProgress, Progress: progress}
}

func DoneEvent(cert Certificate) Event {
	return Event{Type: EventDone, Certificate: cert}
}

func (e Event) Terminal() bool {
	return e.Type == EventDone
}

// Data is the event payload as sent to clients.
func (e Event) Data() ([]byte, error) {
	if e.Terminal() {
		return json.Marshal(e.Certificate)
	}
	return []byte(strconv.Itoa(e.Progress)), nil
}
