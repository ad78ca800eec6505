package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Job represents a scenario calculation work item carried on the queues.
//
// Fields unknown to this stage are kept in extra and written back unchanged
// when the job is forwarded.
type Job struct {
	ScenarioID              string `json:"scenarioId" db:"scenarioId"`
	BucketFolder            string `json:"bucketFolder" db:"bucketFolder"`
	BaseEsdlLocation        string `json:"baseEsdlLocation" db:"baseEsdlLocation"`
	ContextScenarioLocation string `json:"contextScenarioLocation" db:"contextScenarioLocation"`
	CalculationState        string `json:"calculationState,omitempty" db:"calculationState"`
	EtmScenarioID           string `json:"etmScenarioId,omitempty" db:"etmScenarioId"`
	EtmResultLocation       string `json:"etmResultLocation,omitempty" db:"etmResultLocation"`

	extra map[string]json.RawMessage
}

var knownJobFields = map[string]struct{}{
	"scenarioId":              {},
	"bucketFolder":            {},
	"baseEsdlLocation":        {},
	"contextScenarioLocation": {},
	"calculationState":        {},
	"etmScenarioId":           {},
	"etmResultLocation":       {},
}

// jobFields avoids recursion into Job's own (un)marshalers
type jobFields struct {
	ScenarioID              string `json:"scenarioId"`
	BucketFolder            string `json:"bucketFolder"`
	BaseEsdlLocation        string `json:"baseEsdlLocation"`
	ContextScenarioLocation string `json:"contextScenarioLocation"`
	CalculationState        string `json:"calculationState,omitempty"`
	EtmScenarioID           string `json:"etmScenarioId,omitempty"`
	EtmResultLocation       string `json:"etmResultLocation,omitempty"`
}

// UnmarshalJSON decodes the known fields and keeps everything else aside
func (j *Job) UnmarshalJSON(data []byte) error {
	var fields jobFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*j = Job{
		ScenarioID:              fields.ScenarioID,
		BucketFolder:            fields.BucketFolder,
		BaseEsdlLocation:        fields.BaseEsdlLocation,
		ContextScenarioLocation: fields.ContextScenarioLocation,
		CalculationState:        fields.CalculationState,
		EtmScenarioID:           fields.EtmScenarioID,
		EtmResultLocation:       fields.EtmResultLocation,
	}
	for key, value := range raw {
		if _, ok := knownJobFields[key]; ok {
			continue
		}
		if j.extra == nil {
			j.extra = make(map[string]json.RawMessage)
		}
		j.extra[key] = value
	}

	return nil
}

// MarshalJSON encodes the known fields merged with any preserved unknown fields
func (j Job) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(jobFields{
		ScenarioID:              j.ScenarioID,
		BucketFolder:            j.BucketFolder,
		BaseEsdlLocation:        j.BaseEsdlLocation,
		ContextScenarioLocation: j.ContextScenarioLocation,
		CalculationState:        j.CalculationState,
		EtmScenarioID:           j.EtmScenarioID,
		EtmResultLocation:       j.EtmResultLocation,
	})
	if err != nil {
		return nil, err
	}
	if len(j.extra) == 0 {
		return known, nil
	}

	keys := make([]string, 0, len(j.extra))
	for key := range j.extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(known[:len(known)-1])
	for _, key := range keys {
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(j.extra[key])
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// Validate checks that the fields required to process the job are present
func (j *Job) Validate() error {
	switch {
	case j.ScenarioID == "":
		return fmt.Errorf("%w: scenarioId is required", ErrInvalidMessage)
	case j.BucketFolder == "":
		return fmt.Errorf("%w: bucketFolder is required", ErrInvalidMessage)
	case j.BaseEsdlLocation == "":
		return fmt.Errorf("%w: baseEsdlLocation is required", ErrInvalidMessage)
	case j.ContextScenarioLocation == "":
		return fmt.Errorf("%w: contextScenarioLocation is required", ErrInvalidMessage)
	}
	return nil
}

// ResultKey returns the object store key of the job's curve archive.
// The bucket folder is used verbatim as a prefix.
func (j *Job) ResultKey() string {
	return j.BucketFolder + ResultFileName
}

// MarkProcessed returns a copy of the job with all etm stage fields set together
func (j Job) MarkProcessed(etmScenarioID, resultLocation string) Job {
	j.CalculationState = CalculationStateEtmProcessed
	j.EtmScenarioID = etmScenarioID
	j.EtmResultLocation = resultLocation
	return j
}

// Processed reports whether every field owned by this stage is populated
func (j *Job) Processed() bool {
	return j.CalculationState == CalculationStateEtmProcessed &&
		j.EtmScenarioID != "" &&
		j.EtmResultLocation != ""
}

// CurveResult is one curve category's raw CSV output
type CurveResult struct {
	Kind    CurveKind
	Content []byte
}

// FileName returns the archive entry name for the curve
func (c CurveResult) FileName() string {
	return string(c.Kind) + ".csv"
}

// Receipt identifies a single delivery of a queue message
type Receipt string

// Delivery pairs a received job with the receipt needed to settle it
type Delivery struct {
	Job     Job
	Receipt Receipt
}
