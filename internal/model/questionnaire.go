package model

// Questionnaire is the privacy-preference payload attached to a session when
// the participant completes the privacy form.
type Questionnaire struct {
	PrivacyImportance  string `json:"privacy_importance"`
	DataSharingComfort string `json:"data_sharing_comfort"`
	CaptchaTolerance   string `json:"captcha_tolerance"`
	AdPersonalization  string `json:"ad_personalization"`
	Comments           string `json:"comments,omitempty"`
}

// MissingFields returns the names of required answers that are absent.
// An empty result means the questionnaire is complete.
func (q *Questionnaire) MissingFields() []string {
	var missing []string
	if q.PrivacyImportance == "" {
		missing = append(missing, "privacy_importance")
	}
	if q.DataSharingComfort == "" {
		missing = append(missing, "data_sharing_comfort")
	}
	if q.CaptchaTolerance == "" {
		missing = append(missing, "captcha_tolerance")
	}
	if q.AdPersonalization == "" {
		missing = append(missing, "ad_personalization")
	}
	return missing
}
