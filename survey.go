package mermaidetl

import (
	"fmt"
	"strings"
)

// SurveyType identifies one MERMAID survey protocol and, with it, one API
// endpoint and one destination table.
type SurveyType string

// Supported survey types.
const (
	SurveyFish         SurveyType = "fish"
	SurveyCoral        SurveyType = "coral"
	SurveyPhotoQuadrat SurveyType = "photo_quadrat"
)

// AllSurveys lists every supported survey type in load order.
var AllSurveys = []SurveyType{SurveyFish, SurveyCoral, SurveyPhotoQuadrat}

// ParseSurveyType accepts the survey names and the MERMAID protocol names.
func ParseSurveyType(s string) (SurveyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fish", "beltfish", "beltfishes":
		return SurveyFish, nil
	case "coral", "benthicpit", "benthicpits", "benthic":
		return SurveyCoral, nil
	case "photo_quadrat", "photo-quadrat", "photoquadrat", "benthicpqt", "benthicpqts":
		return SurveyPhotoQuadrat, nil
	}
	return "", fmt.Errorf("unknown survey type %q", s)
}

// Mapping returns the static mapping of the survey type.
func (s SurveyType) Mapping() (*Mapping, error) {
	switch s {
	case SurveyFish:
		return FishMapping, nil
	case SurveyCoral:
		return CoralMapping, nil
	case SurveyPhotoQuadrat:
		return PhotoQuadratMapping, nil
	}
	return nil, fmt.Errorf("unknown survey type %q", string(s))
}

// Endpoint returns the API path, relative to the base URL, listing the
// observations of the survey type for one project.
func (s SurveyType) Endpoint(projectID string) string {
	m, err := s.Mapping()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s", projectID, m.Endpoint)
}
