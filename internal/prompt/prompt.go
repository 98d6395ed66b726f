// Package prompt maps a property description to the fixed, ordered list of
// analysis sections and the prompt sent to the language model for each one.
package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/listingiq/listingiq/internal/job"
)

// SystemPrompt is sent with every section prompt.
const SystemPrompt = "You are an expert real estate analyst. Provide concise, actionable insights. Focus on key points only."

// Section is one independently generated part of an analysis.
type Section struct {
	Key   string
	Label string
	// Fields are the top-level keys a well-formed answer carries. An answer
	// carrying none of them is treated as malformed.
	Fields   []string
	fallback func() map[string]any
	build    func(address string, md *job.ManualPropertyData) string
}

// Fallback returns a fresh copy of the payload stored when generation fails.
func (s Section) Fallback() map[string]any {
	if s.fallback == nil {
		return map[string]any{}
	}
	return s.fallback()
}

// Accepts reports whether data has the shape this section expects.
func (s Section) Accepts(data map[string]any) bool {
	if len(s.Fields) == 0 {
		return data != nil
	}
	for _, f := range s.Fields {
		if v, ok := data[f]; ok && v != nil {
			return true
		}
	}
	return false
}

// Task pairs a section with its rendered prompt.
type Task struct {
	Section Section
	Prompt  string
}

var sections = []Section{
	{
		Key:    "summary",
		Label:  "Property Summary",
		Fields: []string{"summary", "overall_score"},
		fallback: func() map[string]any {
			return map[string]any{"summary": "Analysis based on provided information", "overall_score": 75}
		},
		build: summaryPrompt,
	},
	{
		Key:    "strengths",
		Label:  "Key Strengths",
		Fields: []string{"strengths"},
		fallback: func() map[string]any {
			return map[string]any{"strengths": []any{"Property analysis completed"}}
		},
		build: listPrompt("Identify 3-4 key strengths for %s:",
			`{"strengths": ["strength1", "strength2", "strength3", "strength4"]}`),
	},
	{
		Key:    "research_areas",
		Label:  "Research Areas",
		Fields: []string{"weaknesses"},
		fallback: func() map[string]any {
			return map[string]any{"weaknesses": []any{"Additional research recommended"}}
		},
		build: listPrompt("What areas need research for %s?",
			`{"weaknesses": ["area1", "area2", "area3", "area4"]}`),
	},
	{
		Key:    "risks",
		Label:  "Hidden Risks",
		Fields: []string{"hidden_risks"},
		fallback: func() map[string]any {
			return map[string]any{"hidden_risks": []any{"Property condition unknown"}}
		},
		build: listPrompt("Identify potential risks for %s:",
			`{"hidden_risks": ["risk1", "risk2", "risk3", "risk4"]}`),
	},
	{
		Key:    "questions",
		Label:  "Realtor Questions",
		Fields: []string{"questions"},
		fallback: func() map[string]any {
			return map[string]any{"questions": []any{"What additional information do you need?"}}
		},
		build: listPrompt("Generate 5-6 critical questions for the realtor about %s:",
			`{"questions": ["question1", "question2", "question3", "question4", "question5", "question6"]}`),
	},
	{
		Key:    "market_analysis",
		Label:  "Market Analysis",
		Fields: []string{"trends", "comparables", "appreciation_potential"},
		fallback: func() map[string]any {
			return map[string]any{
				"trends":                 "Market analysis unavailable",
				"comparables":            "No comparable data",
				"appreciation_potential": "Requires research",
			}
		},
		build: sizedPrompt("Provide market analysis for this property:",
			`{"trends": "market trend analysis", "comparables": "comparable properties note", "appreciation_potential": "appreciation outlook"}`),
	},
	{
		Key:    "investment_potential",
		Label:  "Investment Potential",
		Fields: []string{"rental_income", "cash_flow", "roi_projections", "appreciation_timeline"},
		fallback: func() map[string]any {
			return map[string]any{
				"rental_income":         "Requires market research",
				"cash_flow":             "Analysis unavailable",
				"roi_projections":       "Requires research",
				"appreciation_timeline": "Unknown",
			}
		},
		build: sizedPrompt("Analyze investment potential for this property:",
			`{"rental_income": "rental income estimate", "cash_flow": "cash flow analysis", "roi_projections": "ROI projections", "appreciation_timeline": "appreciation timeline"}`),
	},
	{
		Key:    "renovation_analysis",
		Label:  "Renovation Analysis",
		Fields: []string{"estimated_costs", "priority_improvements", "renovation_roi"},
		fallback: func() map[string]any {
			return map[string]any{
				"estimated_costs":       "Assessment needed",
				"priority_improvements": []any{"Property inspection required"},
				"renovation_roi":        "Analysis unavailable",
			}
		},
		build: renovationPrompt,
	},
}

// Sections returns the fixed section list in processing order.
func Sections() []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	return out
}

// Keys returns the section keys in processing order.
func Keys() []string {
	keys := make([]string, len(sections))
	for i, s := range sections {
		keys[i] = s.Key
	}
	return keys
}

// Lookup returns the section with the given key.
func Lookup(key string) (Section, bool) {
	for _, s := range sections {
		if s.Key == key {
			return s, true
		}
	}
	return Section{}, false
}

// Build renders every section prompt for in.
func Build(in job.PropertyInput) []Task {
	tasks := make([]Task, len(sections))
	for i, s := range sections {
		tasks[i] = Task{Section: s, Prompt: s.build(in.Address, in.ManualData)}
	}
	return tasks
}

// Planner turns a job input into the tasks a worker runs.
type Planner interface {
	Plan(in job.PropertyInput) ([]Task, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(in job.PropertyInput) ([]Task, error)

func (f PlannerFunc) Plan(in job.PropertyInput) ([]Task, error) { return f(in) }

var errNoAddress = errors.New("property address is empty")

// DefaultPlanner renders the standard section prompts.
type DefaultPlanner struct{}

func (DefaultPlanner) Plan(in job.PropertyInput) ([]Task, error) {
	if strings.TrimSpace(in.Address) == "" {
		return nil, errNoAddress
	}
	return Build(in), nil
}

// EstimateTokens is a rough token count at four characters per token.
func EstimateTokens(prompt string) int {
	return len(prompt) / 4
}

// TotalTokens estimates the tokens used by all section prompts for in.
func TotalTokens(in job.PropertyInput) int {
	total := 0
	for _, t := range Build(in) {
		total += EstimateTokens(t.Prompt)
	}
	return total
}

func summaryPrompt(address string, md *job.ManualPropertyData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Property: %s\n", address)
	fmt.Fprintf(&b, "Type: %s\n", propertyType(md))
	fmt.Fprintf(&b, "Price: %s\n", price(md))
	fmt.Fprintf(&b, "Size: %s sq ft\n", squareFeet(md))
	fmt.Fprintf(&b, "Beds/Baths: %s/%s\n", bedrooms(md), bathrooms(md))
	fmt.Fprintf(&b, "Description: %s\n\n", description(md, 150))
	b.WriteString(`Return JSON: {"summary": "2-3 sentence summary", "overall_score": 75}`)
	return b.String()
}

// listPrompt renders the short prompts that ask for a list of findings.
func listPrompt(heading, shape string) func(string, *job.ManualPropertyData) string {
	return func(address string, md *job.ManualPropertyData) string {
		var b strings.Builder
		fmt.Fprintf(&b, heading+"\n", address)
		fmt.Fprintf(&b, "Type: %s\n", propertyType(md))
		fmt.Fprintf(&b, "Price: %s\n", price(md))
		fmt.Fprintf(&b, "Description: %s\n\n", description(md, 100))
		b.WriteString("Return JSON: " + shape)
		return b.String()
	}
}

// sizedPrompt renders the market and investment prompts, which include the floor area.
func sizedPrompt(heading, shape string) func(string, *job.ManualPropertyData) string {
	return func(address string, md *job.ManualPropertyData) string {
		var b strings.Builder
		b.WriteString(heading + "\n\n")
		b.WriteString(address + "\n")
		fmt.Fprintf(&b, "Type: %s\n", propertyType(md))
		fmt.Fprintf(&b, "Price: %s\n", price(md))
		fmt.Fprintf(&b, "Size: %s sq ft\n\n", squareFeet(md))
		b.WriteString("Return JSON: " + shape)
		return b.String()
	}
}

func renovationPrompt(address string, md *job.ManualPropertyData) string {
	var b strings.Builder
	b.WriteString("Analyze renovation needs for this property:\n\n")
	b.WriteString(address + "\n")
	fmt.Fprintf(&b, "Type: %s\n", propertyType(md))
	fmt.Fprintf(&b, "Year Built: %s\n", yearBuilt(md))
	fmt.Fprintf(&b, "Description: %s\n\n", description(md, 150))
	b.WriteString(`Return JSON: {"estimated_costs": "renovation cost estimate", "priority_improvements": ["improvement1", "improvement2", "improvement3"], "renovation_roi": "ROI analysis"}`)
	return b.String()
}

func propertyType(md *job.ManualPropertyData) string {
	if md == nil || md.PropertyType == "" {
		return "Unknown"
	}
	return md.PropertyType
}

func price(md *job.ManualPropertyData) string {
	if md == nil || md.Price == "" {
		return "Not provided"
	}
	return md.Price
}

func squareFeet(md *job.ManualPropertyData) string {
	if md == nil || md.SquareFeet == 0 {
		return "Unknown"
	}
	return strconv.Itoa(md.SquareFeet)
}

func bedrooms(md *job.ManualPropertyData) string {
	if md == nil || md.Bedrooms == 0 {
		return "?"
	}
	return strconv.Itoa(md.Bedrooms)
}

func bathrooms(md *job.ManualPropertyData) string {
	if md == nil || md.Bathrooms == 0 {
		return "?"
	}
	return strconv.FormatFloat(md.Bathrooms, 'f', -1, 64)
}

func yearBuilt(md *job.ManualPropertyData) string {
	if md == nil || md.YearBuilt == 0 {
		return "Unknown"
	}
	return strconv.Itoa(md.YearBuilt)
}

// description returns the listing description cut to at most n runes.
func description(md *job.ManualPropertyData, n int) string {
	if md == nil || md.ListingDescription == "" {
		return "None"
	}
	r := []rune(md.ListingDescription)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}
