package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DomainObject is one upstream-supplied transit record. Implementations are
// the per-category payload types below. Identity is the composite key
// (dataset, object id); the object id is derived from category-specific
// natural keys. SignificantFields feeds checksum computation and must exclude
// volatile fields such as recorded-at timestamps so a re-delivery of
// unchanged data hashes identically.
type DomainObject interface {
	Category() Category
	DatasetID() string

	// ObjectID returns the natural key for this object. An empty return
	// marks the candidate as malformed; it is skipped and counted as
	// ignored, never an error.
	ObjectID() string

	ValidFrom() time.Time // zero means unbounded
	ExpiresAt() time.Time

	SignificantFields() []string

	// RewriteRefs applies an id-transformation to every identifying
	// reference field. The transform rules themselves are supplied by the
	// mapping-adapter layer.
	RewriteRefs(fn func(string) string)
}

// VehicleActivity is one vehicle-position report.
type VehicleActivity struct {
	Dataset           string    `json:"dataset"`
	VehicleRef        string    `json:"vehicleRef"`
	LineRef           string    `json:"lineRef"`
	DirectionRef      string    `json:"directionRef,omitempty"`
	VehicleJourneyRef string    `json:"vehicleJourneyRef,omitempty"`
	OriginRef         string    `json:"originRef,omitempty"`
	OriginName        string    `json:"originName,omitempty"`
	DestinationRef    string    `json:"destinationRef,omitempty"`
	DestinationName   string    `json:"destinationName,omitempty"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Bearing           float64   `json:"bearing,omitempty"`
	DelaySeconds      int       `json:"delaySeconds,omitempty"`
	Monitored         bool      `json:"monitored"`
	RecordedAtTime    time.Time `json:"recordedAtTime"`
	ValidUntilTime    time.Time `json:"validUntilTime"`
}

func (v *VehicleActivity) Category() Category   { return CategoryVehicleMonitoring }
func (v *VehicleActivity) DatasetID() string    { return v.Dataset }
func (v *VehicleActivity) ValidFrom() time.Time { return time.Time{} }
func (v *VehicleActivity) ExpiresAt() time.Time { return v.ValidUntilTime }

func (v *VehicleActivity) ObjectID() string {
	if v.VehicleRef != "" {
		return v.VehicleRef
	}
	if v.LineRef != "" && v.VehicleJourneyRef != "" {
		return v.LineRef + ":" + v.VehicleJourneyRef
	}
	return ""
}

func (v *VehicleActivity) SignificantFields() []string {
	return []string{
		v.Dataset, v.VehicleRef, v.LineRef, v.DirectionRef, v.VehicleJourneyRef,
		v.OriginRef, v.DestinationRef,
		strconv.FormatFloat(v.Latitude, 'f', 6, 64),
		strconv.FormatFloat(v.Longitude, 'f', 6, 64),
		strconv.FormatFloat(v.Bearing, 'f', 1, 64),
		strconv.Itoa(v.DelaySeconds),
		strconv.FormatBool(v.Monitored),
	}
}

func (v *VehicleActivity) RewriteRefs(fn func(string) string) {
	v.VehicleRef = fn(v.VehicleRef)
	v.LineRef = fn(v.LineRef)
	v.VehicleJourneyRef = fn(v.VehicleJourneyRef)
	v.OriginRef = fn(v.OriginRef)
	v.DestinationRef = fn(v.DestinationRef)
}

// Situation is one service disruption (SIRI-SX style).
type Situation struct {
	Dataset         string    `json:"dataset"`
	SituationNumber string    `json:"situationNumber"`
	ParticipantRef  string    `json:"participantRef"`
	Summary         string    `json:"summary,omitempty"`
	Description     string    `json:"description,omitempty"`
	Severity        string    `json:"severity,omitempty"`
	Progress        string    `json:"progress,omitempty"`
	AffectedLines   []string  `json:"affectedLines,omitempty"`
	AffectedStops   []string  `json:"affectedStops,omitempty"`
	ValidityStart   time.Time `json:"validityStart"`
	ValidityEnd     time.Time `json:"validityEnd"`
	RecordedAtTime  time.Time `json:"recordedAtTime"`
}

func (s *Situation) Category() Category   { return CategorySituationExchange }
func (s *Situation) DatasetID() string    { return s.Dataset }
func (s *Situation) ValidFrom() time.Time { return s.ValidityStart }
func (s *Situation) ExpiresAt() time.Time { return s.ValidityEnd }

func (s *Situation) ObjectID() string {
	if s.SituationNumber == "" {
		return ""
	}
	return s.SituationNumber + ":" + s.ParticipantRef
}

func (s *Situation) SignificantFields() []string {
	fields := []string{
		s.Dataset, s.SituationNumber, s.ParticipantRef,
		s.Summary, s.Description, s.Severity, s.Progress,
		s.ValidityStart.UTC().Format(time.RFC3339),
		s.ValidityEnd.UTC().Format(time.RFC3339),
	}
	fields = append(fields, s.AffectedLines...)
	fields = append(fields, s.AffectedStops...)
	return fields
}

func (s *Situation) RewriteRefs(fn func(string) string) {
	s.ParticipantRef = fn(s.ParticipantRef)
	for i, l := range s.AffectedLines {
		s.AffectedLines[i] = fn(l)
	}
	for i, st := range s.AffectedStops {
		s.AffectedStops[i] = fn(st)
	}
}

// EstimatedCall is one stop in an estimated vehicle journey.
type EstimatedCall struct {
	StopPointRef          string    `json:"stopPointRef"`
	Order                 int       `json:"order"`
	AimedArrivalTime      time.Time `json:"aimedArrivalTime,omitempty"`
	ExpectedArrivalTime   time.Time `json:"expectedArrivalTime,omitempty"`
	AimedDepartureTime    time.Time `json:"aimedDepartureTime,omitempty"`
	ExpectedDepartureTime time.Time `json:"expectedDepartureTime,omitempty"`
	Cancellation          bool      `json:"cancellation,omitempty"`
}

// EstimatedVehicleJourney is one journey of an estimated timetable.
type EstimatedVehicleJourney struct {
	Dataset                string          `json:"dataset"`
	LineRef                string          `json:"lineRef"`
	DirectionRef           string          `json:"directionRef,omitempty"`
	DatedVehicleJourneyRef string          `json:"datedVehicleJourneyRef"`
	VehicleRef             string          `json:"vehicleRef,omitempty"`
	OperatorRef            string          `json:"operatorRef,omitempty"`
	Cancellation           bool            `json:"cancellation,omitempty"`
	EstimatedCalls         []EstimatedCall `json:"estimatedCalls,omitempty"`
	RecordedAtTime         time.Time       `json:"recordedAtTime"`
	ValidUntilTime         time.Time       `json:"validUntilTime"`
}

func (e *EstimatedVehicleJourney) Category() Category   { return CategoryEstimatedTimetable }
func (e *EstimatedVehicleJourney) DatasetID() string    { return e.Dataset }
func (e *EstimatedVehicleJourney) ValidFrom() time.Time { return time.Time{} }
func (e *EstimatedVehicleJourney) ExpiresAt() time.Time { return e.ValidUntilTime }

func (e *EstimatedVehicleJourney) ObjectID() string {
	if e.DatedVehicleJourneyRef != "" {
		return e.DatedVehicleJourneyRef
	}
	if e.LineRef != "" && e.VehicleRef != "" {
		return e.LineRef + ":" + e.VehicleRef
	}
	return ""
}

func (e *EstimatedVehicleJourney) SignificantFields() []string {
	fields := []string{
		e.Dataset, e.LineRef, e.DirectionRef, e.DatedVehicleJourneyRef,
		e.VehicleRef, e.OperatorRef, strconv.FormatBool(e.Cancellation),
	}
	for _, c := range e.EstimatedCalls {
		fields = append(fields,
			c.StopPointRef,
			strconv.Itoa(c.Order),
			c.AimedArrivalTime.UTC().Format(time.RFC3339),
			c.ExpectedArrivalTime.UTC().Format(time.RFC3339),
			c.AimedDepartureTime.UTC().Format(time.RFC3339),
			c.ExpectedDepartureTime.UTC().Format(time.RFC3339),
			strconv.FormatBool(c.Cancellation),
		)
	}
	return fields
}

func (e *EstimatedVehicleJourney) RewriteRefs(fn func(string) string) {
	e.LineRef = fn(e.LineRef)
	e.DatedVehicleJourneyRef = fn(e.DatedVehicleJourneyRef)
	e.VehicleRef = fn(e.VehicleRef)
	e.OperatorRef = fn(e.OperatorRef)
	for i := range e.EstimatedCalls {
		e.EstimatedCalls[i].StopPointRef = fn(e.EstimatedCalls[i].StopPointRef)
	}
}

// MonitoredStopVisit is one expected stop visit.
type MonitoredStopVisit struct {
	Dataset               string    `json:"dataset"`
	MonitoringRef         string    `json:"monitoringRef"`
	ItemIdentifier        string    `json:"itemIdentifier"`
	LineRef               string    `json:"lineRef,omitempty"`
	VehicleJourneyRef     string    `json:"vehicleJourneyRef,omitempty"`
	DestinationName       string    `json:"destinationName,omitempty"`
	AimedDepartureTime    time.Time `json:"aimedDepartureTime,omitempty"`
	ExpectedDepartureTime time.Time `json:"expectedDepartureTime,omitempty"`
	RecordedAtTime        time.Time `json:"recordedAtTime"`
	ValidUntilTime        time.Time `json:"validUntilTime"`
}

func (m *MonitoredStopVisit) Category() Category   { return CategoryStopMonitoring }
func (m *MonitoredStopVisit) DatasetID() string    { return m.Dataset }
func (m *MonitoredStopVisit) ValidFrom() time.Time { return time.Time{} }
func (m *MonitoredStopVisit) ExpiresAt() time.Time { return m.ValidUntilTime }

func (m *MonitoredStopVisit) ObjectID() string {
	if m.MonitoringRef == "" || m.ItemIdentifier == "" {
		return ""
	}
	return m.MonitoringRef + ":" + m.ItemIdentifier
}

func (m *MonitoredStopVisit) SignificantFields() []string {
	return []string{
		m.Dataset, m.MonitoringRef, m.ItemIdentifier, m.LineRef,
		m.VehicleJourneyRef, m.DestinationName,
		m.AimedDepartureTime.UTC().Format(time.RFC3339),
		m.ExpectedDepartureTime.UTC().Format(time.RFC3339),
	}
}

func (m *MonitoredStopVisit) RewriteRefs(fn func(string) string) {
	m.MonitoringRef = fn(m.MonitoringRef)
	m.LineRef = fn(m.LineRef)
	m.VehicleJourneyRef = fn(m.VehicleJourneyRef)
}

// GeneralMessage is a free-form informational message bound to a channel.
type GeneralMessage struct {
	Dataset               string    `json:"dataset"`
	InfoMessageIdentifier string    `json:"infoMessageIdentifier"`
	InfoChannelRef        string    `json:"infoChannelRef,omitempty"`
	MessageText           string    `json:"messageText,omitempty"`
	RecordedAtTime        time.Time `json:"recordedAtTime"`
	ValidUntilTime        time.Time `json:"validUntilTime"`
}

func (g *GeneralMessage) Category() Category   { return CategoryGeneralMessage }
func (g *GeneralMessage) DatasetID() string    { return g.Dataset }
func (g *GeneralMessage) ValidFrom() time.Time { return time.Time{} }
func (g *GeneralMessage) ExpiresAt() time.Time { return g.ValidUntilTime }
func (g *GeneralMessage) ObjectID() string     { return g.InfoMessageIdentifier }

func (g *GeneralMessage) SignificantFields() []string {
	return []string{g.Dataset, g.InfoMessageIdentifier, g.InfoChannelRef, g.MessageText}
}

func (g *GeneralMessage) RewriteRefs(fn func(string) string) {
	g.InfoChannelRef = fn(g.InfoChannelRef)
}

// FacilityCondition reports the state of a facility (lift, escalator, ...).
type FacilityCondition struct {
	Dataset        string    `json:"dataset"`
	FacilityRef    string    `json:"facilityRef"`
	Status         string    `json:"status"`
	Description    string    `json:"description,omitempty"`
	RecordedAtTime time.Time `json:"recordedAtTime"`
	ValidUntilTime time.Time `json:"validUntilTime"`
}

func (f *FacilityCondition) Category() Category   { return CategoryFacilityMonitoring }
func (f *FacilityCondition) DatasetID() string    { return f.Dataset }
func (f *FacilityCondition) ValidFrom() time.Time { return time.Time{} }
func (f *FacilityCondition) ExpiresAt() time.Time { return f.ValidUntilTime }
func (f *FacilityCondition) ObjectID() string     { return f.FacilityRef }

func (f *FacilityCondition) SignificantFields() []string {
	return []string{f.Dataset, f.FacilityRef, f.Status, f.Description}
}

func (f *FacilityCondition) RewriteRefs(fn func(string) string) {
	f.FacilityRef = fn(f.FacilityRef)
}

// NewDomainObject returns a zero value of the payload type for a category.
func NewDomainObject(c Category) (DomainObject, error) {
	switch c {
	case CategoryVehicleMonitoring:
		return &VehicleActivity{}, nil
	case CategorySituationExchange:
		return &Situation{}, nil
	case CategoryEstimatedTimetable:
		return &EstimatedVehicleJourney{}, nil
	case CategoryStopMonitoring:
		return &MonitoredStopVisit{}, nil
	case CategoryGeneralMessage:
		return &GeneralMessage{}, nil
	case CategoryFacilityMonitoring:
		return &FacilityCondition{}, nil
	}
	return nil, fmt.Errorf("no payload type for category '%s'", c)
}

// DecodeDomainObject unmarshals a payload previously stored for a category.
func DecodeDomainObject(c Category, raw []byte) (DomainObject, error) {
	obj, err := NewDomainObject(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", c, err)
	}
	return obj, nil
}

// DecodeDomainObjects unmarshals a JSON array of payloads for a category.
func DecodeDomainObjects(c Category, raw []byte) ([]DomainObject, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding %s payload list: %w", c, err)
	}
	out := make([]DomainObject, 0, len(items))
	for _, item := range items {
		obj, err := DecodeDomainObject(c, item)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
