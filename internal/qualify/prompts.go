package qualify

import (
	"fmt"
	"strings"

	"github.com/sells-group/rfp-pipeline/internal/config"
	"github.com/sells-group/rfp-pipeline/internal/model"
)

const screenSystemPrompt = `You screen government procurement notices for relevance to a specific company. Respond with a single JSON object and nothing else:

{"score": <integer 1-10>, "rationale": "<one sentence>"}

Score how well the notice matches the company's capabilities. 1 means no conceivable fit, 10 means a direct match to core services. Do not include markdown fences or any text outside the JSON object.`

const deepSystemPrompt = `You are a capture analyst evaluating a government procurement notice against a company profile. Respond with a single JSON object and nothing else:

{
  "score": <integer 1-10>,
  "justification": "<2-4 sentences explaining the fit or lack of it>",
  "key_requirements": ["<requirement>", ...],
  "advantages": ["<company advantage relevant to this notice>", ...],
  "suggested_approach": "<1-3 sentences>"
}

Score 7-10 only for opportunities the company should actively pursue. Score 4-6 for plausible but uncertain fits. Score 1-3 for poor fits. Do not include markdown fences or any text outside the JSON object.`

// buildCompanyBlock renders the company profile section shared by both
// stage prompts.
func buildCompanyBlock(company config.CompanyConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n", company.Name)
	if company.Profile != "" {
		fmt.Fprintf(&b, "Profile: %s\n", Sanitize(company.Profile))
	}
	if len(company.Capabilities) > 0 {
		fmt.Fprintf(&b, "Capabilities: %s\n", strings.Join(company.Capabilities, "; "))
	}
	if len(company.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(company.Keywords, ", "))
	}
	return b.String()
}

// buildNoticeBlock renders the notice section. The description is
// sanitized but never truncated; deep analysis needs the full text and
// the screen model's context window is far larger than any notice.
func buildNoticeBlock(opp *model.Opportunity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Notice ID: %s\n", opp.NoticeID)
	fmt.Fprintf(&b, "Title: %s\n", Sanitize(opp.Title))
	fmt.Fprintf(&b, "Agency: %s\n", Sanitize(opp.Agency))
	if opp.NAICSCode != "" {
		fmt.Fprintf(&b, "NAICS: %s\n", opp.NAICSCode)
	}
	if opp.PSCCode != "" {
		fmt.Fprintf(&b, "PSC: %s\n", opp.PSCCode)
	}
	if opp.Type != "" {
		fmt.Fprintf(&b, "Notice type: %s\n", opp.Type)
	}
	fmt.Fprintf(&b, "Posted: %s\n", opp.PostedAt.Format("2006-01-02"))
	if opp.Deadline != nil {
		fmt.Fprintf(&b, "Response deadline: %s\n", opp.Deadline.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "\nDescription:\n%s\n", Sanitize(opp.Description))
	return b.String()
}

func buildScreenPrompt(company config.CompanyConfig, opp *model.Opportunity) string {
	return buildCompanyBlock(company) + "\n" + buildNoticeBlock(opp)
}

func buildDeepPrompt(company config.CompanyConfig, opp *model.Opportunity) string {
	return buildCompanyBlock(company) + "\n" + buildNoticeBlock(opp)
}
