package profile

import "strings"

// BaselineRisk maps profile labels to a starting risk score (0-100). The
// highest-risk label wins; unlabelled addresses start low.
func BaselineRisk(labels []string) float64 {
	risk := 20.0
	for _, label := range labels {
		if r := labelRisk(label); r > risk {
			risk = r
		}
	}
	return risk
}

func labelRisk(label string) float64 {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "theft", "sanctioned":
		return 100
	case "mixer":
		return 85
	case "suspect":
		return 70
	case "exchange", "service":
		return 40
	default:
		return 20
	}
}
