package reconciler

import "scriptguard/internal/domain"

func addSummary(s domain.Script) string {
	if s.Src != nil {
		return "Added script: " + *s.Src
	}
	return "Added inline script: " + deref(s.InlineSnippetHash)
}

func readdSummary(s domain.Script) string {
	if s.Src != nil {
		return "Re-added script: " + *s.Src
	}
	return "Re-added inline script: " + deref(s.InlineSnippetHash)
}

func changeSummary(s domain.Script) string {
	if s.Src != nil {
		return "Changed script content: " + *s.Src
	}
	return "Changed inline script: " + deref(s.InlineSnippetHash)
}

func removeSummary(s domain.Script) string {
	if s.Src != nil {
		return "Removed script: " + *s.Src
	}
	return "Removed inline script"
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
