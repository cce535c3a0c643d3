// Package prompts builds the per-step-kind task prompts of a run from the
// organization profile and the run inputs.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// Input keys read by the composer.
const (
	InputCompany     = "company"
	InputWebsite     = "website"
	InputLeadEmail   = "lead_email"
	InputContactName = "contact_name"
)

// DefaultDescription is used for a step whose kind has no composed prompt
// and no instructions.
const DefaultDescription = "Produce a concise, useful output."

const (
	defaultOrgName   = "our company"
	defaultToneStyle = "friendly"
	defaultToneLen   = "short"
	filteredMarker   = "[FILTERED]"
)

var injectionPhrases = []string{"IGNORE PREVIOUS", "DISREGARD"}

const (
	researchExpected = "3–5 factual bullets with inline [#] and a 'Sources' list (2–5 URLs). " +
		"If <2 credible sources, reply exactly: \"I can't answer that.\""

	qualifyExpected = "JSON only: {\"score\":0-100,\"decision\":\"yes\"|\"no\"|\"maybe\",\"reasons\":[string]," +
		"\"criterion_match\":{...}}. If evidence is insufficient, reply exactly: \"I can't answer that.\""

	outreachExpected = "Start with 'Subject: ...' then blank line. 120–160 words. " +
		"Include exactly one specific fact from research in brackets like [#] and one value prop. " +
		"If you cannot reference a concrete fact, reply exactly: \"I can't answer that.\""
)

// Compose returns the research, qualify and outreach prompts for a run.
// A missing company input is a VALIDATION_ERROR.
func Compose(org, inputs map[string]any) (map[schema.StepKind]schema.Prompt, error) {
	company := inputString(inputs, InputCompany)
	if company == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Missing required input: company").
			WithDetails(map[string]any{"input": InputCompany})
	}
	website := inputString(inputs, InputWebsite)

	email := inputString(inputs, InputLeadEmail)
	if email == "" {
		email = "contact@" + ContactDomain(company, website)
	}

	orgName := orgString(org, "name")
	if orgName == "" {
		orgName = defaultOrgName
	}

	research := schema.Prompt{
		ExpectedOutput: researchExpected,
		Description: "You are a meticulous B2B researcher. Find what the company does, recent initiatives (≤12 months), " +
			"buyers/teams mentioned, and signals relevant to " + orgName + ".\n\n" +
			"Company: " + company + "\nWebsite (optional): " + orDefault(website, "(none)") + "\n" +
			"Output strictly as specified. Do not guess.\n",
	}

	qualify := schema.Prompt{
		ExpectedOutput: qualifyExpected,
		Description: "You evaluate fit strictly against the ICP below. Only claim matches if explicitly supported by research.\n\n" +
			"ICP:\n" + safeJSON(orgValue(org, "icp", map[string]any{})) + "\n" +
			"Disqualifiers: " + safeJSON(orgValue(org, "disqualifiers", []any{})) + "\n" +
			"Return JSON only.",
	}

	style, length := tone(org)
	greeting := "Hi"
	if name := inputString(inputs, InputContactName); name != "" {
		greeting = "Hi " + name
	}

	var b strings.Builder
	b.WriteString("Write a concise, specific B2B email.\n")
	fmt.Fprintf(&b, "To: %s\n", email)
	fmt.Fprintf(&b, "Greeting: %s,\n", greeting)
	fmt.Fprintf(&b, "Organization: %s — %s\n", orgString(org, "name"), orgString(org, "product_one_liner"))
	fmt.Fprintf(&b, "Value props: %s\n", safeJSON(orgValue(org, "value_props", []any{})))
	fmt.Fprintf(&b, "Tone: %s; Length: %s\n", style, length)
	fmt.Fprintf(&b, "Include footer if provided: %s\n", orgString(org, "outreach_footer"))
	b.WriteString("Only include concrete claims supported by the research/qualifier context.")
	b.WriteString("\nMandatory: reference one concrete researched fact; no vague praise.")

	outreach := schema.Prompt{
		ExpectedOutput: outreachExpected,
		Description:    b.String(),
	}

	return map[schema.StepKind]schema.Prompt{
		schema.StepKindResearch: research,
		schema.StepKindQualify:  qualify,
		schema.StepKindOutreach: outreach,
	}, nil
}

// Describe joins a composed prompt description and a step's rendered
// instructions. Either part may be empty.
func Describe(prompt, instructions string) string {
	prompt = strings.TrimSpace(prompt)
	instructions = strings.TrimSpace(instructions)
	switch {
	case prompt != "" && instructions != "":
		return prompt + "\n\nSTEP INSTRUCTIONS:\n" + instructions
	case prompt != "":
		return prompt
	case instructions != "":
		return instructions
	default:
		return DefaultDescription
	}
}

// ContactDomain derives the mail domain for the default contact address:
// the website host when given, otherwise the company name squashed to lower
// case with a .com suffix.
func ContactDomain(company, website string) string {
	if website != "" {
		host := strings.TrimPrefix(strings.TrimPrefix(website, "https://"), "http://")
		if i := strings.Index(host, "/"); i >= 0 {
			host = host[:i]
		}
		return host
	}
	return strings.ReplaceAll(strings.ToLower(company), " ", "") + ".com"
}

// Sanitize replaces known prompt-injection phrases with a filter marker.
func Sanitize(s string) string {
	for _, p := range injectionPhrases {
		s = strings.ReplaceAll(s, p, filteredMarker)
	}
	return s
}

func safeJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Sanitize(fmt.Sprint(v))
	}
	return Sanitize(string(b))
}

func tone(org map[string]any) (style, length string) {
	style, length = defaultToneStyle, defaultToneLen
	t, ok := org["tone"].(map[string]any)
	if !ok {
		return style, length
	}
	if s, ok := t["style"].(string); ok && s != "" {
		style = s
	}
	if l, ok := t["length"].(string); ok && l != "" {
		length = l
	}
	return style, length
}

func inputString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func orgString(org map[string]any, key string) string {
	s, _ := org[key].(string)
	return s
}

func orgValue(org map[string]any, key string, fallback any) any {
	if v, ok := org[key]; ok && v != nil {
		return v
	}
	return fallback
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
